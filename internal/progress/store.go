package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/lmfetch/internal/utils"
)

// Layout names every local path one job touches for destination Target.
type Layout struct {
	Target     string
	PartsDir   string
	Descriptor string
	TempOutput string
}

func NewLayout(target string) Layout {
	return Layout{
		Target:     target,
		PartsDir:   target + utils.PartsSuffix,
		Descriptor: target + utils.ProgressSuffix,
		TempOutput: target + utils.TempSuffix,
	}
}

func (l Layout) ChunkPath(idx int64) string {
	return filepath.Join(l.PartsDir, fmt.Sprintf("chunk_%04d.part", idx))
}

// ChunkPaths lists the chunk files of a job in index order.
func (l Layout) ChunkPaths(total int64) []string {
	paths := make([]string, 0, total)
	for i := int64(0); i < total; i++ {
		paths = append(paths, l.ChunkPath(i))
	}
	return paths
}

// PartsOnDisk lists the chunk indexes that have a file in the parts
// directory, whatever the descriptor says about them.
func PartsOnDisk(layout Layout) ([]int64, error) {
	entries, err := os.ReadDir(layout.PartsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &utils.PersistenceError{Op: "listing", Path: layout.PartsDir, Err: err}
	}
	var idxs []int64
	for _, entry := range entries {
		m := utils.ChunkIDRegex.FindStringSubmatch(entry.Name())
		if m == nil || entry.IsDir() {
			continue
		}
		idx, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
	return idxs, nil
}

// Load returns the saved descriptor, or nil when there is nothing usable.
// A missing, unreadable or malformed sidecar is never an error.
func Load(layout Layout) *Descriptor {
	data, err := os.ReadFile(layout.Descriptor)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Str("op", "progress/load").Err(err).Msgf("Ignoring unreadable progress file %s", layout.Descriptor)
		}
		return nil
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		log.Warn().Str("op", "progress/load").Err(err).Msgf("Ignoring corrupt progress file %s", layout.Descriptor)
		return nil
	}
	if !d.Valid() {
		log.Warn().Str("op", "progress/load").Msgf("Ignoring inconsistent progress file %s", layout.Descriptor)
		return nil
	}
	return &d
}

// Save overwrites the sidecar. The write goes through a temp file and a
// rename so a crash never leaves a truncated descriptor behind.
func Save(d *Descriptor, layout Layout) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return &utils.PersistenceError{Op: "encoding", Path: layout.Descriptor, Err: err}
	}
	tmp := layout.Descriptor + utils.TempSuffix
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return &utils.PersistenceError{Op: "writing", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, layout.Descriptor); err != nil {
		os.Remove(tmp)
		return &utils.PersistenceError{Op: "renaming", Path: layout.Descriptor, Err: err}
	}
	return nil
}

// Cleanup removes the sidecar and the parts directory. Safe to repeat.
func Cleanup(layout Layout) error {
	for _, path := range []string{layout.Descriptor, layout.Descriptor + utils.TempSuffix} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &utils.PersistenceError{Op: "removing", Path: path, Err: err}
		}
	}
	if err := os.RemoveAll(layout.PartsDir); err != nil {
		return &utils.PersistenceError{Op: "removing", Path: layout.PartsDir, Err: err}
	}
	return nil
}

// Reconcile reuses prev only when it describes the same source object.
// The boolean reports whether prev was reused.
func Reconcile(prev *Descriptor, url string, compressedSize int64, decompressedSHA256 string, chunkSize int64) (*Descriptor, bool) {
	if prev != nil && prev.Matches(url, compressedSize) {
		if pending := len(prev.PendingChunks()); pending < int(prev.TotalChunks) {
			log.Info().Str("op", "progress/reconcile").Msgf("Resuming: %d of %d chunks remaining", pending, prev.TotalChunks)
		}
		return prev, true
	}
	if prev != nil {
		log.Info().Str("op", "progress/reconcile").Msgf("Discarding stale progress for %s (size %d)", prev.URL, prev.CompressedSize)
	}
	return NewDescriptor(url, compressedSize, decompressedSHA256, chunkSize), false
}
