package sharder

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trainchain/backend/config"
	"github.com/trainchain/backend/storage"
)

// zipArchive builds a zip with the given name -> content entries.
func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// readShard unpacks shard_<index>.jsonl from a shard archive.
func readShard(t *testing.T, archive []byte, slotIndex int) []string {
	t.Helper()

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, fmt.Sprintf("shard_%d.jsonl", slotIndex), zr.File[0].Name)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	content, err := io.ReadAll(rc)
	require.NoError(t, err)

	var lines []string
	for _, line := range bytes.Split(content, []byte("\n")) {
		if len(line) > 0 {
			lines = append(lines, string(line))
		}
	}
	return lines
}

// memStore is an in-memory content-addressed store.
type memStore struct {
	objects map[string][]byte
	puts    int
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Fetch(ctx context.Context, cid string) ([]byte, error) {
	data, ok := m.objects[cid]
	if !ok {
		return nil, fmt.Errorf("object %s not found", cid)
	}
	return data, nil
}

func (m *memStore) Publish(ctx context.Context, data []byte, name string) (string, error) {
	cid := storage.Cid(data)
	m.objects[cid] = data
	m.puts++
	return cid, nil
}

// memSlotRepo is an in-memory SlotRepo.
type memSlotRepo struct {
	detail *config.LlmFinetuneDetail
	slots  []config.ContributorSlot
}

func (m *memSlotRepo) GetLlmDetail(jobID uint64) (*config.LlmFinetuneDetail, error) {
	return m.detail, nil
}

func (m *memSlotRepo) GetSlots(jobID uint64) ([]config.ContributorSlot, error) {
	return append([]config.ContributorSlot(nil), m.slots...), nil
}

func (m *memSlotRepo) SetShard(jobID uint64, slotIndex int, shardCid string, shardSize int) error {
	for i := range m.slots {
		if m.slots[i].SlotIndex == slotIndex {
			m.slots[i].ShardCid = shardCid
			m.slots[i].ShardSize = shardSize
			return nil
		}
	}
	return fmt.Errorf("slot %d not found", slotIndex)
}

func newShardingFixture(t *testing.T, dataset []byte, slots int) (*Sharder, *memStore, *memSlotRepo) {
	t.Helper()

	store := newMemStore()
	cid, err := store.Publish(context.Background(), dataset, "dataset.zip")
	require.NoError(t, err)

	repo := &memSlotRepo{
		detail: &config.LlmFinetuneDetail{JobID: 1, MaxContributors: slots, DatasetCid: cid},
	}
	for i := 0; i < slots; i++ {
		repo.slots = append(repo.slots, config.ContributorSlot{
			JobID:              1,
			SlotIndex:          i,
			ContributorAddress: fmt.Sprintf("0xcontrib%d", i),
		})
	}
	return New(store, repo), store, repo
}

func jsonlDataset(rows int) string {
	var buf bytes.Buffer
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&buf, "{\"prompt\":\"q%d\",\"completion\":\"a%d\"}\n", i, i)
	}
	return buf.String()
}

func TestShardDataset(t *testing.T) {
	dataset := zipArchive(t, map[string]string{"train.jsonl": jsonlDataset(10)})
	sh, store, repo := newShardingFixture(t, dataset, 3)

	require.NoError(t, sh.ShardDataset(context.Background(), 1))

	// 10 rows over 3 slots: the remainder goes to the front.
	assert.Equal(t, 4, repo.slots[0].ShardSize)
	assert.Equal(t, 3, repo.slots[1].ShardSize)
	assert.Equal(t, 3, repo.slots[2].ShardSize)

	// Shards are disjoint and ordered.
	var rows []string
	for i, slot := range repo.slots {
		require.NotEmpty(t, slot.ShardCid)
		archive, err := store.Fetch(context.Background(), slot.ShardCid)
		require.NoError(t, err)
		rows = append(rows, readShard(t, archive, i)...)
	}
	require.Len(t, rows, 10)
	for i, row := range rows {
		assert.Equal(t, fmt.Sprintf("{\"prompt\":\"q%d\",\"completion\":\"a%d\"}", i, i), row)
	}
}

func TestShardDatasetResumable(t *testing.T) {
	dataset := zipArchive(t, map[string]string{"train.jsonl": jsonlDataset(6)})
	sh, store, repo := newShardingFixture(t, dataset, 3)

	require.NoError(t, sh.ShardDataset(context.Background(), 1))
	firstCids := []string{repo.slots[0].ShardCid, repo.slots[1].ShardCid, repo.slots[2].ShardCid}

	// Wipe one slot to simulate a run that died mid-way.
	repo.slots[1].ShardCid = ""
	putsBefore := store.puts

	require.NoError(t, sh.ShardDataset(context.Background(), 1))

	// Only the missing shard is republished, and its content is identical.
	assert.Equal(t, putsBefore+1, store.puts)
	assert.Equal(t, firstCids[1], repo.slots[1].ShardCid)
	assert.Equal(t, firstCids[0], repo.slots[0].ShardCid)
	assert.Equal(t, firstCids[2], repo.slots[2].ShardCid)
}

func TestShardDatasetTooSmall(t *testing.T) {
	dataset := zipArchive(t, map[string]string{"train.jsonl": jsonlDataset(2)})
	sh, _, _ := newShardingFixture(t, dataset, 3)

	err := sh.ShardDataset(context.Background(), 1)
	require.ErrorIs(t, err, ErrDatasetTooSmall)
	assert.Contains(t, err.Error(), "2 rows")
	assert.Contains(t, err.Error(), "3 contributors")
}

func TestExtractRecordsPrefersJsonl(t *testing.T) {
	archive := zipArchive(t, map[string]string{
		"data.csv":    "a,b\n1,2\n",
		"data.json":   `[{"a":1}]`,
		"data.jsonl":  `{"a":2}`,
		"readme.txt":  "ignore me",
		"labels.yaml": "ignore: me",
	})

	records, name, err := ExtractRecords(archive)
	require.NoError(t, err)
	assert.Equal(t, "data.jsonl", name)
	require.Len(t, records, 1)
	assert.JSONEq(t, `{"a":2}`, string(records[0]))
}

func TestExtractRecordsFallsBackToJsonThenCsv(t *testing.T) {
	archive := zipArchive(t, map[string]string{
		"data.csv":  "a,b\n1,2\n",
		"data.json": `[{"a":1},{"a":2}]`,
	})
	records, name, err := ExtractRecords(archive)
	require.NoError(t, err)
	assert.Equal(t, "data.json", name)
	assert.Len(t, records, 2)

	archive = zipArchive(t, map[string]string{"data.csv": "a,b\n1,2\n3,4\n"})
	records, name, err = ExtractRecords(archive)
	require.NoError(t, err)
	assert.Equal(t, "data.csv", name)
	require.Len(t, records, 2)
	assert.JSONEq(t, `{"a":"1","b":"2"}`, string(records[0]))
}

func TestExtractRecordsNoDataFile(t *testing.T) {
	archive := zipArchive(t, map[string]string{"readme.txt": "nothing here"})

	_, _, err := ExtractRecords(archive)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ".jsonl")
	assert.Contains(t, err.Error(), "readme.txt")
}

func TestExtractRecordsNotAZip(t *testing.T) {
	_, _, err := ExtractRecords([]byte("not a zip at all"))
	require.Error(t, err)
}

func TestParseJSONLReportsLine(t *testing.T) {
	archive := zipArchive(t, map[string]string{"data.jsonl": "{\"a\":1}\n\n{broken\n"})

	_, _, err := ExtractRecords(archive)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
}

func TestParseJSONArrayReportsElement(t *testing.T) {
	archive := zipArchive(t, map[string]string{"data.json": `[{"a":1}, {broken]`})

	_, _, err := ExtractRecords(archive)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "element 1")
}

func TestParseJSONArrayRejectsNonArray(t *testing.T) {
	archive := zipArchive(t, map[string]string{"data.json": `{"a":1}`})

	_, _, err := ExtractRecords(archive)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "top-level array")
}

func TestParseCSVLenient(t *testing.T) {
	// Quoted delimiter, ragged short row, extra whitespace.
	csvContent := "prompt, completion\n\"hello, world\",hi\nshortrow\n"
	archive := zipArchive(t, map[string]string{"data.csv": csvContent})

	records, _, err := ExtractRecords(archive)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.JSONEq(t, `{"prompt":"hello, world","completion":"hi"}`, string(records[0]))
	assert.JSONEq(t, `{"prompt":"shortrow","completion":""}`, string(records[1]))
}

func TestParseCSVHeaderOnly(t *testing.T) {
	archive := zipArchive(t, map[string]string{"data.csv": "a,b\n"})

	_, _, err := ExtractRecords(archive)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "header row")
}

func TestPartition(t *testing.T) {
	records := make([][]byte, 10)
	for i := range records {
		records[i] = []byte(fmt.Sprintf("r%d", i))
	}

	shards := Partition(records, 3)
	require.Len(t, shards, 3)
	assert.Len(t, shards[0], 4)
	assert.Len(t, shards[1], 3)
	assert.Len(t, shards[2], 3)
	assert.Equal(t, "r0", string(shards[0][0]))
	assert.Equal(t, "r4", string(shards[1][0]))
	assert.Equal(t, "r7", string(shards[2][0]))

	// Even split.
	shards = Partition(records[:9], 3)
	for _, s := range shards {
		assert.Len(t, s, 3)
	}

	// Exactly one record per shard.
	shards = Partition(records[:3], 3)
	for _, s := range shards {
		assert.Len(t, s, 1)
	}
}
