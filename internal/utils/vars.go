package utils

import (
	"regexp"
)

const DefaultBufferSize = 1024 * 1024 // 1MB buffer
const DefaultChunkSize = 20 * 1024 * 1024
const DefaultConnections = 16
const LogFile = ".lmfetch.log"
const ToolUserAgent = "lmfetch/1"

const (
	CompressedSuffix = ".zst"
	ChecksumSuffix   = ".sha256"
	PartsSuffix      = ".zst.parts"
	ProgressSuffix   = ".zst.progress.json"
	TempSuffix       = ".tmp"
	DownloadSuffix   = ".download"
)

var ChunkIDRegex = regexp.MustCompile(`chunk_(\d+)\.part$`)
var LangRegex = regexp.MustCompile(`^[a-z]{2,3}(?:[-_][A-Za-z0-9]{2,8})?$`)

// NgramFileName is the object name of a language's n-gram asset.
func NgramFileName(lang string) string {
	return lang + "_ngrams.bin"
}
