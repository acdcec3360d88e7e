// Package sharder partitions a federated job's dataset into one disjoint
// shard per contributor slot and publishes each shard as its own archive.
package sharder

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/trainchain/backend/config"
)

// ErrDatasetTooSmall means the dataset has fewer rows than the job has
// slots, so at least one shard would be empty.
var ErrDatasetTooSmall = errors.New("dataset too small")

// dataExtensions lists the supported data files inside the dataset archive,
// in preference order. The first match wins.
var dataExtensions = []string{".jsonl", ".json", ".csv"}

// ObjectStore is the content-addressed storage the sharder reads the
// dataset from and publishes shards to.
type ObjectStore interface {
	Fetch(ctx context.Context, cid string) ([]byte, error)
	Publish(ctx context.Context, data []byte, name string) (string, error)
}

// SlotRepo is the slice of the repository the sharder needs.
type SlotRepo interface {
	GetLlmDetail(jobID uint64) (*config.LlmFinetuneDetail, error)
	GetSlots(jobID uint64) ([]config.ContributorSlot, error)
	SetShard(jobID uint64, slotIndex int, shardCid string, shardSize int) error
}

// Sharder fetches a job's dataset, splits it, and records shard CIDs on the
// job's slots.
type Sharder struct {
	store ObjectStore
	repo  SlotRepo
}

// New creates a sharder.
func New(store ObjectStore, repo SlotRepo) *Sharder {
	return &Sharder{store: store, repo: repo}
}

// ShardDataset splits the job's dataset into one shard per slot and
// publishes them in slot-index order. Slots that already carry a shard CID
// are skipped, which makes a partially-failed run resumable: re-running
// republishes only the missing shards, and content addressing makes
// republishing an already-published shard a no-op.
func (s *Sharder) ShardDataset(ctx context.Context, jobID uint64) error {
	detail, err := s.repo.GetLlmDetail(jobID)
	if err != nil {
		return fmt.Errorf("sharding job %d: %w", jobID, err)
	}

	slots, err := s.repo.GetSlots(jobID)
	if err != nil {
		return fmt.Errorf("sharding job %d: %w", jobID, err)
	}
	if len(slots) == 0 {
		return fmt.Errorf("sharding job %d: no slots to shard for", jobID)
	}

	log.Printf("Sharding job %d: %d slots, dataset %s", jobID, len(slots), detail.DatasetCid)

	archive, err := s.store.Fetch(ctx, detail.DatasetCid)
	if err != nil {
		return fmt.Errorf("sharding job %d: failed to fetch dataset: %w", jobID, err)
	}

	records, fileName, err := ExtractRecords(archive)
	if err != nil {
		return fmt.Errorf("sharding job %d: %w", jobID, err)
	}
	log.Printf("Sharding job %d: parsed %d rows from %s", jobID, len(records), fileName)

	if len(records) < len(slots) {
		return fmt.Errorf("%w: dataset has %d rows but %d contributors need at least one row each",
			ErrDatasetTooSmall, len(records), len(slots))
	}

	shards := Partition(records, len(slots))

	for i, slot := range slots {
		if slot.ShardCid != "" {
			log.Printf("Sharding job %d: slot %d already has shard %s, skipping", jobID, slot.SlotIndex, slot.ShardCid)
			continue
		}

		payload, err := packShard(shards[i], slot.SlotIndex)
		if err != nil {
			return fmt.Errorf("sharding job %d: failed to pack shard %d: %w", jobID, slot.SlotIndex, err)
		}

		cid, err := s.store.Publish(ctx, payload, fmt.Sprintf("job_%d_shard_%d.zip", jobID, slot.SlotIndex))
		if err != nil {
			return fmt.Errorf("sharding job %d: failed to publish shard %d: %w", jobID, slot.SlotIndex, err)
		}

		if err := s.repo.SetShard(jobID, slot.SlotIndex, cid, len(shards[i])); err != nil {
			return fmt.Errorf("sharding job %d: failed to record shard %d: %w", jobID, slot.SlotIndex, err)
		}
		log.Printf("Sharding job %d: shard %d -> %s (%d rows)", jobID, slot.SlotIndex, cid, len(shards[i]))
	}

	log.Printf("Sharding job %d: all %d shards published", jobID, len(slots))
	return nil
}

// ExtractRecords opens the dataset archive, locates the first supported
// data file (.jsonl, then .json, then .csv), and parses it into a uniform
// ordered sequence of JSON-encoded records.
func ExtractRecords(archive []byte) ([][]byte, string, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, "", fmt.Errorf("failed to open dataset archive: %w", err)
	}

	var names []string
	for _, f := range zr.File {
		if !f.FileInfo().IsDir() {
			names = append(names, f.Name)
		}
	}

	for _, ext := range dataExtensions {
		for _, f := range zr.File {
			if f.FileInfo().IsDir() || !strings.HasSuffix(strings.ToLower(f.Name), ext) {
				continue
			}
			rc, err := f.Open()
			if err != nil {
				return nil, "", fmt.Errorf("failed to open %s: %w", f.Name, err)
			}
			content, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return nil, "", fmt.Errorf("failed to read %s: %w", f.Name, err)
			}

			records, err := parseRecords(content, ext)
			if err != nil {
				return nil, "", fmt.Errorf("failed to parse %s: %w", f.Name, err)
			}
			return records, f.Name, nil
		}
	}

	return nil, "", fmt.Errorf("no supported data file found in archive: expected one of %s, found: %s",
		strings.Join(dataExtensions, ", "), strings.Join(names, ", "))
}

func parseRecords(content []byte, ext string) ([][]byte, error) {
	switch ext {
	case ".jsonl":
		return parseJSONL(content)
	case ".json":
		return parseJSONArray(content)
	case ".csv":
		return parseCSV(content)
	}
	return nil, fmt.Errorf("unsupported extension %q", ext)
}

// parseJSONL parses line-delimited JSON, one record per non-empty line.
func parseJSONL(content []byte) ([][]byte, error) {
	var records [][]byte
	for i, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var raw json.RawMessage
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return nil, fmt.Errorf("jsonl parse error on line %d: %w", i+1, err)
		}
		records = append(records, []byte(line))
	}
	return records, nil
}

// parseJSONArray parses a top-level JSON array, decoding each element
// independently so a malformed element is reported by index.
func parseJSONArray(content []byte) ([][]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(content))
	t, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("json parse error: %w", err)
	}
	if t != json.Delim('[') {
		return nil, errors.New("json file must be a top-level array of records")
	}

	var records [][]byte
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("json parse error at element %d: %w", len(records), err)
		}
		records = append(records, []byte(raw))
	}
	return records, nil
}

// parseCSV parses a delimited file with a header row leniently: quoted
// fields containing the delimiter are honored and ragged rows are accepted.
// Each row becomes a JSON object keyed by the header.
func parseCSV(content []byte) ([][]byte, error) {
	reader := csv.NewReader(strings.NewReader(string(content)))
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.New("csv must have a header row and at least one data row")
	}
	if err != nil {
		return nil, fmt.Errorf("csv header parse error: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var records [][]byte
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv parse error: %w", err)
		}

		obj := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(row) {
				obj[h] = strings.TrimSpace(row[i])
			} else {
				obj[h] = ""
			}
		}
		encoded, err := json.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("failed to encode csv row: %w", err)
		}
		records = append(records, encoded)
	}

	if len(records) == 0 {
		return nil, errors.New("csv must have a header row and at least one data row")
	}
	return records, nil
}

// Partition splits records into exactly n contiguous shards of size
// floor(rows/n), with the first rows%n shards receiving one extra record.
// Example: 10 rows, 3 shards -> sizes [4, 3, 3].
func Partition(records [][]byte, n int) [][][]byte {
	base := len(records) / n
	remainder := len(records) % n

	shards := make([][][]byte, 0, n)
	offset := 0
	for i := 0; i < n; i++ {
		size := base
		if i < remainder {
			size++
		}
		shards = append(shards, records[offset:offset+size])
		offset += size
	}
	return shards
}

// packShard writes the shard's records as shard_<index>.jsonl inside a
// standalone zip archive.
func packShard(records [][]byte, slotIndex int) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	w, err := zw.Create(fmt.Sprintf("shard_%d.jsonl", slotIndex))
	if err != nil {
		return nil, err
	}
	for i, record := range records {
		if i > 0 {
			if _, err := w.Write([]byte("\n")); err != nil {
				return nil, err
			}
		}
		if _, err := w.Write(record); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
