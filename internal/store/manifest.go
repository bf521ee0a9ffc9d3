package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/nwpio/nwpd/internal/errors"
	"github.com/nwpio/nwpd/internal/store/chunkio"
)

// manifestName is the ledger file kept at the store root.
const manifestName = "manifest.json"

// Record is one manifest entry: a stored slice, the chunk holding it and the
// checksum of the values that were written.
type Record struct {
	Provider  string    `json:"provider"`
	Variable  string    `json:"variable"`
	InitTime  time.Time `json:"init_time"`
	StepHours int       `json:"step_hours"`
	Level     int32     `json:"level"`
	Chunk     string    `json:"chunk"`
	Checksum  uint32    `json:"checksum"`
	WrittenAt time.Time `json:"written_at"`
	Summary   *Summary  `json:"summary,omitempty"`
}

// key identifies the slice the record describes.
func (r Record) key() chunkio.Key {
	return chunkio.Key{
		Variable:   r.Variable,
		InitTimeMs: r.InitTime.UnixMilli(),
		StepHours:  int32(r.StepHours),
		Level:      r.Level,
	}
}

// recordFor builds the manifest entry for a freshly written row.
func recordFor(chunk string, row chunkio.Row, now time.Time) Record {
	return Record{
		Provider:  row.Provider,
		Variable:  row.Variable,
		InitTime:  row.InitTime(),
		StepHours: int(row.StepHours),
		Level:     row.Level,
		Chunk:     chunk,
		Checksum:  row.Checksum,
		WrittenAt: now,
		Summary:   summarize(row.Values),
	}
}

// manifestFile is the on-disk shape of the manifest.
type manifestFile struct {
	UpdatedAt time.Time `json:"updated_at"`
	Records   []Record  `json:"records"`
}

// loadManifest reads the manifest at path. A missing file is an empty store;
// an unparseable one is reported as corruption so the caller can abort
// instead of silently re-ingesting everything.
func loadManifest(path string) (map[chunkio.Key]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[chunkio.Key]Record{}, nil
		}
		return nil, errors.Wrapf(err, "read manifest %s", path)
	}

	var mf manifestFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, errors.Wrapf(errors.ErrCorruptManifest, "parse %s: %v", path, err)
	}

	records := make(map[chunkio.Key]Record, len(mf.Records))
	for _, rec := range mf.Records {
		records[rec.key()] = rec
	}
	return records, nil
}

// saveManifest replaces the manifest through a temp file and rename so a
// crash mid-write never leaves a half-written ledger behind.
func saveManifest(path string, records map[chunkio.Key]Record, now time.Time) error {
	mf := manifestFile{
		UpdatedAt: now.UTC(),
		Records:   make([]Record, 0, len(records)),
	}
	for _, rec := range records {
		mf.Records = append(mf.Records, rec)
	}
	sort.Slice(mf.Records, func(i, j int) bool {
		return mf.Records[i].key().Less(mf.Records[j].key())
	})

	data, err := json.MarshalIndent(&mf, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "encode manifest")
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*")
	if err != nil {
		return errors.Wrapf(err, "stage manifest")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrapf(err, "write manifest")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrapf(err, "sync manifest")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "close manifest")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "replace manifest")
	}
	return nil
}
