package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"Go2NetSentry/internal/capture"
	"Go2NetSentry/internal/config"
	"Go2NetSentry/internal/extractor"
	"Go2NetSentry/internal/model"
	"Go2NetSentry/internal/persist"
	"Go2NetSentry/internal/registry"
	"Go2NetSentry/internal/scoring"
	"Go2NetSentry/internal/store"
	"Go2NetSentry/internal/testutil"
)

const fakeExtractor = `base=$(basename "$1" .pcap)
printf 'Src IP,Dst IP,Src Port,Dst Port,Protocol,Flow Duration\n10.0.0.1,10.0.0.2,40000,80,6,1\n10.0.0.1,10.0.0.2,40001,80,6,100\n' > "$2/${base}_Flow.csv"
`

const kmeansArtifact = `{"features":["Flow Duration"],"centers":[[0]],"threshold":5}`

type fakeExtractorFunc func(ctx context.Context, path string) (model.FlowSet, string, error)

func (f fakeExtractorFunc) Extract(ctx context.Context, path string) (model.FlowSet, string, error) {
	return f(ctx, path)
}

type fixedModel model.ModelName

func (m fixedModel) Current() model.ModelName { return model.ModelName(m) }

func testEngine(t *testing.T) *scoring.Engine {
	t.Helper()
	threshold := 5.0
	e, err := scoring.NewEngine(map[model.ModelName]*scoring.Artifact{
		model.ModelKMeans: {Features: []string{"Flow Duration"}, InputDim: 1, Centers: [][]float64{{0}}, Threshold: &threshold},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return e
}

func chunkFile(t *testing.T, index uint64, packets int) *model.Chunk {
	t.Helper()
	path := filepath.Join(t.TempDir(), model.ChunkName(index))
	testutil.WritePcap(t, path, testutil.Records(t, packets))
	return &model.Chunk{Index: index, Path: path, Packets: packets}
}

func flowSet(values ...float64) model.FlowSet {
	set := model.FlowSet{Columns: []string{"Flow Duration"}}
	for i := range values {
		v := values[i]
		set.Flows = append(set.Flows, model.Flow{ID: "f", Features: []*float64{&v}})
	}
	return set
}

func newProcessor(t *testing.T, ext FlowExtractor, name model.ModelName) (*Processor, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	committer := persist.NewCommitter(s, nil, config.AlertingConfig{}, zaptest.NewLogger(t))
	return NewProcessor(ext, testEngine(t), fixedModel(name), committer, zaptest.NewLogger(t)), s
}

func TestProcessor_Success(t *testing.T) {
	ext := fakeExtractorFunc(func(ctx context.Context, path string) (model.FlowSet, string, error) {
		return flowSet(1, 2, 50), "/tmp/flows.csv", nil
	})
	p, s := newProcessor(t, ext, model.ModelKMeans)
	c := chunkFile(t, 4, 6)

	require.NoError(t, p.Process(context.Background(), c))

	b, err := s.GetBatch(context.Background(), "batch_000004")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusOK, b.Status)
	assert.True(t, b.IsAttack)
	assert.Equal(t, 3, b.FlowCount)
	assert.Equal(t, 1, b.AnomalousFlows)
	assert.Equal(t, 6, b.TotalPackets)
	assert.Equal(t, map[string]int{"TCP": 6}, b.ProtocolDistribution)
	assert.Equal(t, "/tmp/flows.csv", b.CSVPath)
}

func TestProcessor_FailuresAreRecorded(t *testing.T) {
	extractionErr := &extractor.ExtractionError{Chunk: "x", Reason: extractor.ReasonTimeout}
	tests := []struct {
		name    string
		ext     FlowExtractor
		model   model.ModelName
		missing bool
		wantErr error
	}{
		{
			name:    "extraction",
			ext:     fakeExtractorFunc(func(context.Context, string) (model.FlowSet, string, error) { return model.FlowSet{}, "", extractionErr }),
			model:   model.ModelKMeans,
			wantErr: extractor.ErrExtractionFailed,
		},
		{
			name:    "model unavailable",
			ext:     fakeExtractorFunc(func(context.Context, string) (model.FlowSet, string, error) { return flowSet(1), "", nil }),
			model:   model.ModelSVM,
			wantErr: scoring.ErrModelUnavailable,
		},
		{
			name:    "feature mismatch",
			ext:     fakeExtractorFunc(func(context.Context, string) (model.FlowSet, string, error) { return model.FlowSet{Columns: []string{"other"}}, "", nil }),
			model:   model.ModelKMeans,
			wantErr: scoring.ErrFeatureMismatch,
		},
		{
			name:    "unreadable chunk",
			ext:     fakeExtractorFunc(func(context.Context, string) (model.FlowSet, string, error) { return flowSet(1), "", nil }),
			model:   model.ModelKMeans,
			missing: true,
			wantErr: os.ErrNotExist,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, s := newProcessor(t, tt.ext, tt.model)
			c := chunkFile(t, 1, 2)
			if tt.missing {
				require.NoError(t, os.Remove(c.Path))
			}

			err := p.Process(context.Background(), c)
			assert.ErrorIs(t, err, tt.wantErr)

			b, err := s.GetBatch(context.Background(), "batch_000001")
			require.NoError(t, err)
			assert.Equal(t, model.BatchStatusFailed, b.Status)
			assert.NotEmpty(t, b.Error)
			assert.False(t, b.IsAttack)

			alerts, err := s.ListAlerts(context.Background(), store.AlertFilter{})
			require.NoError(t, err)
			assert.Empty(t, alerts)
		})
	}
}

func TestProcessor_ModelSwitchTakesEffectPerChunk(t *testing.T) {
	ext := fakeExtractorFunc(func(context.Context, string) (model.FlowSet, string, error) { return flowSet(1), "", nil })
	s := store.NewMemoryStore()
	committer := persist.NewCommitter(s, nil, config.AlertingConfig{}, zaptest.NewLogger(t))
	current := &switchable{name: model.ModelKMeans}
	p := NewProcessor(ext, testEngine(t), current, committer, zaptest.NewLogger(t))

	require.NoError(t, p.Process(context.Background(), chunkFile(t, 0, 1)))
	current.name = model.ModelSVM
	assert.Error(t, p.Process(context.Background(), chunkFile(t, 1, 1)))

	b0, err := s.GetBatch(context.Background(), "batch_000000")
	require.NoError(t, err)
	assert.Equal(t, model.ModelKMeans, b0.Model)
	b1, err := s.GetBatch(context.Background(), "batch_000001")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusFailed, b1.Status)
}

type switchable struct{ name model.ModelName }

type alertRejectingStore struct {
	*store.MemoryStore
}

func (s alertRejectingStore) CommitBatch(ctx context.Context, b *model.Batch, alerts []model.Alert) error {
	if len(alerts) > 0 {
		return errors.New("alerts table unavailable")
	}
	return s.MemoryStore.CommitBatch(ctx, b, alerts)
}

func TestProcessor_RejectedCommitIsRecordedAsFailure(t *testing.T) {
	ext := fakeExtractorFunc(func(context.Context, string) (model.FlowSet, string, error) { return flowSet(1, 2, 50), "", nil })
	s := alertRejectingStore{store.NewMemoryStore()}
	committer := persist.NewCommitter(s, nil, config.AlertingConfig{}, zaptest.NewLogger(t))
	p := NewProcessor(ext, testEngine(t), fixedModel(model.ModelKMeans), committer, zaptest.NewLogger(t))

	err := p.Process(context.Background(), chunkFile(t, 2, 3))
	require.Error(t, err)

	b, err := s.GetBatch(context.Background(), "batch_000002")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusFailed, b.Status)
	assert.Contains(t, b.Error, "alerts table unavailable")
	assert.Equal(t, 3, b.TotalPackets)
}

func (s *switchable) Current() model.ModelName { return s.name }

func testConfig(t *testing.T, storeType string) *config.Config {
	t.Helper()
	root := t.TempDir()
	script := filepath.Join(root, "fake-cfm.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"+fakeExtractor), 0755))
	modelDir := filepath.Join(root, "models")
	require.NoError(t, os.MkdirAll(modelDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "kmeans.json"), []byte(kmeansArtifact), 0644))

	cfg := config.Default()
	cfg.Store.Type = storeType
	cfg.Store.SQLite.Path = filepath.Join(root, "ids.sqlite")
	cfg.Chunk.Dir = filepath.Join(root, "pcap_splits")
	cfg.Chunk.Size = 4
	cfg.Chunk.FlushPartialOnStop = true
	cfg.Dispatcher.NumWorkers = 2
	cfg.Extractor.Command = []string{"/bin/sh", script, "{input}", "{output_dir}"}
	cfg.Extractor.OutputDir = filepath.Join(root, "csv")
	cfg.Extractor.Timeout = "10s"
	cfg.Scoring.ModelDir = modelDir
	return cfg
}

func runCapture(t *testing.T, p *Pipeline) {
	t.Helper()
	require.NoError(t, p.Session.Start(context.Background()))
	select {
	case <-p.Session.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("file source did not finish")
	}
	require.NoError(t, p.Session.Stop())
	require.NoError(t, p.Dispatcher.Stop(context.Background()))
}

func TestPipeline_EndToEnd(t *testing.T) {
	cfg := testConfig(t, "memory")
	pcapPath := filepath.Join(t.TempDir(), "capture.pcap")
	testutil.WritePcap(t, pcapPath, testutil.Records(t, 10))

	p, err := New(context.Background(), cfg, capture.FileFactory(pcapPath), zaptest.NewLogger(t))
	require.NoError(t, err)
	events, cancel := p.Hub.Subscribe(64)
	defer cancel()

	runCapture(t, p)

	ctx := context.Background()
	batches, err := p.Store.ListBatches(ctx, 0)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, []uint64{2, 1, 0}, []uint64{batches[0].ChunkIndex, batches[1].ChunkIndex, batches[2].ChunkIndex})
	assert.Equal(t, 2, batches[0].TotalPackets)
	for _, b := range batches {
		assert.Equal(t, model.BatchStatusOK, b.Status)
		assert.True(t, b.IsAttack)
		assert.Equal(t, 2, b.FlowCount)
		assert.FileExists(t, b.PcapPath)
	}

	alerts, err := p.Store.ListAlerts(ctx, store.AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, alerts, 3)

	require.NoError(t, p.Shutdown(ctx))

	counts := map[model.EventKind]int{}
	for len(events) > 0 {
		counts[(<-events).Kind]++
	}
	assert.Equal(t, 2, counts[model.EventCaptureStatus])
	assert.Equal(t, 3, counts[model.EventPacketCount])
	assert.Equal(t, 3, counts[model.EventIntrusionAlert])
}

func TestPipeline_ChunkIndexSurvivesRestart(t *testing.T) {
	cfg := testConfig(t, "sqlite")
	pcapPath := filepath.Join(t.TempDir(), "capture.pcap")
	testutil.WritePcap(t, pcapPath, testutil.Records(t, 8))
	ctx := context.Background()

	p, err := New(ctx, cfg, capture.FileFactory(pcapPath), zaptest.NewLogger(t))
	require.NoError(t, err)
	runCapture(t, p)
	require.NoError(t, p.Shutdown(ctx))

	p, err = New(ctx, cfg, capture.FileFactory(pcapPath), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), p.Assembler.Snapshot().NextIndex)
	runCapture(t, p)
	require.NoError(t, p.Shutdown(ctx))

	// A chunk sealed but never committed, e.g. dropped under overload.
	leftover := filepath.Join(cfg.Chunk.Dir, model.ChunkName(4))
	require.NoError(t, os.WriteFile(leftover, []byte("uncommitted"), 0644))

	p, err = New(ctx, cfg, capture.FileFactory(pcapPath), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), p.Assembler.Snapshot().NextIndex)
	runCapture(t, p)

	batches, err := p.Store.ListBatches(ctx, 0)
	require.NoError(t, err)
	require.Len(t, batches, 6)
	assert.Equal(t, uint64(6), batches[0].ChunkIndex)
	data, err := os.ReadFile(leftover)
	require.NoError(t, err)
	assert.Equal(t, "uncommitted", string(data))
	require.NoError(t, p.Shutdown(ctx))
}

func TestPipeline_ExtractionTimeoutDoesNotBlockOtherChunks(t *testing.T) {
	cfg := testConfig(t, "memory")
	script := filepath.Join(t.TempDir(), "slow-cfm.sh")
	slow := "#!/bin/sh\ncase \"$(basename \"$1\" .pcap)\" in chunk_000000) exec sleep 5;; esac\n" + fakeExtractor
	require.NoError(t, os.WriteFile(script, []byte(slow), 0755))
	cfg.Extractor.Command = []string{"/bin/sh", script, "{input}", "{output_dir}"}
	cfg.Extractor.Timeout = "300ms"
	cfg.Dispatcher.NumWorkers = 2

	pcapPath := filepath.Join(t.TempDir(), "capture.pcap")
	testutil.WritePcap(t, pcapPath, testutil.Records(t, 8))
	ctx := context.Background()

	p, err := New(ctx, cfg, capture.FileFactory(pcapPath), zaptest.NewLogger(t))
	require.NoError(t, err)
	runCapture(t, p)

	b0, err := p.Store.GetBatch(ctx, "batch_000000")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusFailed, b0.Status)
	assert.Contains(t, b0.Error, extractor.ReasonTimeout)

	b1, err := p.Store.GetBatch(ctx, "batch_000001")
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusOK, b1.Status)
	assert.Equal(t, 2, b1.FlowCount)
	assert.True(t, b1.CreatedAt.Before(b0.CreatedAt), "chunk 1 is committed while chunk 0 is still extracting")

	require.NoError(t, p.Shutdown(ctx))
}

func TestPipeline_InvalidDefaultModel(t *testing.T) {
	cfg := testConfig(t, "memory")
	cfg.Scoring.DefaultModel = "forest"
	_, err := New(context.Background(), cfg, capture.FileFactory("unused"), zaptest.NewLogger(t))
	assert.ErrorIs(t, err, registry.ErrUnknownModel)
}
