package progress

import (
	"encoding/json"
	"sort"
	"time"
)

const DescriptorVersion = 1

type ChunkStatus int

const (
	StatusPending ChunkStatus = iota
	StatusComplete
)

func (s ChunkStatus) String() string {
	if s == StatusComplete {
		return "complete"
	}
	return "pending"
}

func (s ChunkStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON maps every tag other than "complete" to pending, so chunks
// recorded by older writers as "partial" are refetched.
func (s *ChunkStatus) UnmarshalJSON(data []byte) error {
	var tag string
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	if tag == "complete" {
		*s = StatusComplete
	} else {
		*s = StatusPending
	}
	return nil
}

type ChunkState struct {
	Status          ChunkStatus `json:"status"`
	SHA256          *string     `json:"sha256"`
	BytesDownloaded *int64      `json:"bytes_downloaded"`
}

// Descriptor is the on-disk record of one resumable chunked job.
type Descriptor struct {
	Version            int                   `json:"version"`
	URL                string                `json:"url"`
	CompressedSize     int64                 `json:"compressed_size"`
	DecompressedSHA256 *string               `json:"decompressed_sha256"`
	ChunkSize          int64                 `json:"chunk_size"`
	TotalChunks        int64                 `json:"total_chunks"`
	Chunks             map[int64]*ChunkState `json:"chunks"`
	StartedAt          string                `json:"started_at"`
	UpdatedAt          string                `json:"updated_at"`
}

func TotalChunks(size, chunkSize int64) int64 {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize
}

func NewDescriptor(url string, compressedSize int64, decompressedSHA256 string, chunkSize int64) *Descriptor {
	now := time.Now().UTC().Format(time.RFC3339)
	d := &Descriptor{
		Version:        DescriptorVersion,
		URL:            url,
		CompressedSize: compressedSize,
		ChunkSize:      chunkSize,
		TotalChunks:    TotalChunks(compressedSize, chunkSize),
		Chunks:         make(map[int64]*ChunkState),
		StartedAt:      now,
		UpdatedAt:      now,
	}
	if decompressedSHA256 != "" {
		d.DecompressedSHA256 = &decompressedSHA256
	}
	for i := int64(0); i < d.TotalChunks; i++ {
		d.Chunks[i] = &ChunkState{Status: StatusPending}
	}
	return d
}

// Valid reports whether the chunk layout matches the recorded sizes.
func (d *Descriptor) Valid() bool {
	if d.Version != DescriptorVersion || d.ChunkSize <= 0 || d.CompressedSize <= 0 {
		return false
	}
	if d.TotalChunks != TotalChunks(d.CompressedSize, d.ChunkSize) {
		return false
	}
	if int64(len(d.Chunks)) != d.TotalChunks {
		return false
	}
	for i := int64(0); i < d.TotalChunks; i++ {
		if d.Chunks[i] == nil {
			return false
		}
	}
	return true
}

// Matches is the reuse rule: same source and same compressed size.
func (d *Descriptor) Matches(url string, compressedSize int64) bool {
	return d.URL == url && d.CompressedSize == compressedSize
}

// ChunkRange returns the inclusive byte range covered by chunk idx.
func (d *Descriptor) ChunkRange(idx int64) (int64, int64) {
	start := idx * d.ChunkSize
	end := min((idx+1)*d.ChunkSize, d.CompressedSize) - 1
	return start, end
}

func (d *Descriptor) ChunkByteSize(idx int64) int64 {
	start, end := d.ChunkRange(idx)
	return end - start + 1
}

// PendingChunks returns the indices not yet complete, ascending.
func (d *Descriptor) PendingChunks() []int64 {
	var pending []int64
	for idx, state := range d.Chunks {
		if state.Status != StatusComplete {
			pending = append(pending, idx)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })
	return pending
}

func (d *Descriptor) CompletedBytes() int64 {
	var total int64
	for idx, state := range d.Chunks {
		if state.Status == StatusComplete {
			total += d.ChunkByteSize(idx)
		}
	}
	return total
}

func (d *Descriptor) CompletedCount() int64 {
	return d.TotalChunks - int64(len(d.PendingChunks()))
}

func (d *Descriptor) MarkComplete(idx int64, sha256 string) {
	state, ok := d.Chunks[idx]
	if !ok {
		return
	}
	size := d.ChunkByteSize(idx)
	state.Status = StatusComplete
	state.SHA256 = &sha256
	state.BytesDownloaded = &size
	d.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

func (d *Descriptor) MarkPending(idx int64) {
	if state, ok := d.Chunks[idx]; ok {
		*state = ChunkState{Status: StatusPending}
		d.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	}
}

func (d *Descriptor) AllComplete() bool {
	for _, state := range d.Chunks {
		if state.Status != StatusComplete {
			return false
		}
	}
	return true
}
