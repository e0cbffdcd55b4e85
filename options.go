package bunkv

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Options configures a Database, mirroring bundoc's database.go
// constructor shape: a literal struct plus a DefaultOptions(path)
// convenience constructor. bunkv additionally exposes LoadOptions so a
// deployment can be driven entirely by a YAML config file instead of Go
// code building the struct by hand.
type Options struct {
	// Path is the root directory for the data file, WAL segments, and
	// metadata catalog, unless overridden individually below.
	Path string

	// BufferPoolSize is the number of 8KB pages kept resident across
	// every collection's B+Tree. Default 1000 pages (~8MB).
	BufferPoolSize int

	// WALPath overrides where WAL segments are written. Defaults to
	// Path/wal.
	WALPath string

	// MetadataPath overrides where the collection registry catalog is
	// persisted. Defaults to Path/metadata.json.
	MetadataPath string

	// EncryptionKey, if non-empty, must be exactly 32 bytes and enables
	// AES-256-GCM encryption of every page written to disk.
	EncryptionKey []byte

	// GCInterval is how often the background version-chain garbage
	// collector sweeps. Default one minute.
	GCInterval time.Duration

	// Logger receives bunkv's structured log output. Defaults to
	// logrus.StandardLogger() when nil.
	Logger *logrus.Logger
}

// DefaultOptions returns sensible defaults rooted at path, matching
// bundoc's DefaultOptions(path) constructor.
func DefaultOptions(path string) *Options {
	return &Options{
		Path:           path,
		BufferPoolSize: 1000,
		WALPath:        filepath.Join(path, "wal"),
		MetadataPath:   filepath.Join(path, "metadata.json"),
		GCInterval:     time.Minute,
	}
}

// fileOptions is the YAML-facing shape loaded by LoadOptions. It mirrors
// Options but spells the encryption key as hex, since raw key bytes
// don't belong in a config file verbatim, and the logger can't be
// expressed in YAML at all.
type fileOptions struct {
	Path             string `yaml:"path"`
	BufferPoolSize   int    `yaml:"buffer_pool_size"`
	WALPath          string `yaml:"wal_path"`
	MetadataPath     string `yaml:"metadata_path"`
	EncryptionKeyHex string `yaml:"encryption_key_hex"`
	GCIntervalMS     int64  `yaml:"gc_interval_ms"`
}

// LoadOptions reads a YAML config file and returns the Options it
// describes, filling in DefaultOptions(path) for anything the file
// leaves zero. Programmatic construction via DefaultOptions remains the
// primary path for embedding bunkv in Go; LoadOptions exists for
// deployments that want to drive it from a config file instead.
func LoadOptions(path string) (*Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bunkv: read options file: %w", err)
	}

	var fo fileOptions
	if err := yaml.Unmarshal(raw, &fo); err != nil {
		return nil, fmt.Errorf("bunkv: parse options file: %w", err)
	}
	if fo.Path == "" {
		return nil, fmt.Errorf("bunkv: options file missing required 'path'")
	}

	opts := DefaultOptions(fo.Path)
	if fo.BufferPoolSize > 0 {
		opts.BufferPoolSize = fo.BufferPoolSize
	}
	if fo.WALPath != "" {
		opts.WALPath = fo.WALPath
	}
	if fo.MetadataPath != "" {
		opts.MetadataPath = fo.MetadataPath
	}
	if fo.GCIntervalMS > 0 {
		opts.GCInterval = time.Duration(fo.GCIntervalMS) * time.Millisecond
	}
	if fo.EncryptionKeyHex != "" {
		key, err := hex.DecodeString(fo.EncryptionKeyHex)
		if err != nil {
			return nil, fmt.Errorf("bunkv: decode encryption_key_hex: %w", err)
		}
		opts.EncryptionKey = key
	}
	return opts, nil
}

func (o *Options) logger() *logrus.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logrus.StandardLogger()
}
