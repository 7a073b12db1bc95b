package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pledgerails/internal/pledge"
)

func samplePledge() pledge.Pledge {
	return pledge.Pledge{
		ID:          7,
		Creator:     common.HexToAddress("0x00000000000000000000000000000000000000c1"),
		Description: "run 5k every morning",
		Stake:       10_000_000,
		Deadline:    1_700_086_400,
		Status:      pledge.StatusOngoing,
		CreatedAt:   1_700_000_000,
	}
}

func sealedChain(t *testing.T, n int) []Event {
	t.Helper()
	var out []Event
	prev := ""
	for i := 0; i < n; i++ {
		ev := NewPledgeCreated(samplePledge())
		ev.Seq = uint64(i + 1)
		ev.HandleSeq = uint64(i)
		require.NoError(t, Seal(&ev, prev))
		prev = ev.Hash
		out = append(out, ev)
	}
	return out
}

func TestNewPledgeCreatedAttributes(t *testing.T) {
	ev := NewPledgeCreated(samplePledge())
	assert.Equal(t, TypePledgeCreated, ev.Type)
	assert.Equal(t, HandlePledgeCreated, ev.Handle)
	assert.Equal(t, "run 5k every morning", ev.Attributes["description"])
	assert.Equal(t, "10000000", ev.Attributes["stake"])
	assert.Equal(t, "1700086400", ev.Attributes["deadline"])
	assert.Equal(t, samplePledge().Creator.Hex(), ev.Attributes["creator"])
	assert.Equal(t, int64(1_700_000_000), ev.Timestamp)
}

func TestNewPledgeMissedUsesSettlementTime(t *testing.T) {
	p := samplePledge()
	p.Status = pledge.StatusMissed
	p.SettledAt = 1_700_090_000
	p.SettledBy = common.HexToAddress("0x0b")
	ev := NewPledgeMissed(p, common.Address{})
	assert.Equal(t, HandlePledgeMissed, ev.Handle)
	assert.Equal(t, int64(1_700_090_000), ev.Timestamp)
	assert.Equal(t, common.Address{}.Hex(), ev.Attributes["sink"])
	assert.Equal(t, p.SettledBy.Hex(), ev.Attributes["settledBy"])
}

func TestSealAndVerify(t *testing.T) {
	events := sealedChain(t, 4)
	require.NoError(t, Verify("", events))
	assert.Empty(t, events[0].PrevHash)
	assert.Equal(t, events[0].Hash, events[1].PrevHash)

	again, err := Digest(events[2])
	require.NoError(t, err)
	assert.Equal(t, events[2].Hash, again, "digest must be deterministic")
}

func TestVerifyDetectsTampering(t *testing.T) {
	events := sealedChain(t, 3)
	events[1].Attributes["stake"] = "1"
	err := Verify("", events)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch at seq 2")

	events = sealedChain(t, 3)
	events = append(events[:1], events[2:]...)
	assert.Error(t, Verify("", events))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, pledge.DefaultListLimit, ClampLimit(0))
	assert.Equal(t, pledge.MaxListLimit, ClampLimit(5000))
	assert.Equal(t, 3, ClampLimit(3))
	assert.True(t, KnownHandle(HandlePledgeMissed))
	assert.False(t, KnownHandle("pledge_store"))
}

type fakeSource struct {
	mu        sync.Mutex
	pending   []Event
	published map[uint64]string
}

func (f *fakeSource) PendingEvents(_ context.Context, limit int) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, ev := range f.pending {
		if _, done := f.published[ev.Seq]; done {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) MarkPublished(_ context.Context, seq uint64, key string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[seq] = key
	return nil
}

type fakePublisher struct {
	failSeq uint64
	got     []uint64
}

func (f *fakePublisher) Publish(_ context.Context, ev Event) error {
	if ev.Seq == f.failSeq {
		return errors.New("broker down")
	}
	f.got = append(f.got, ev.Seq)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

type fakeArchiver struct{}

func (fakeArchiver) Archive(_ context.Context, ev Event) (string, error) {
	return "events/" + ev.Hash + ".json", nil
}

func TestRelayFlushShipsInOrderAndStopsOnFailure(t *testing.T) {
	src := &fakeSource{pending: sealedChain(t, 4), published: map[uint64]string{}}
	pub := &fakePublisher{failSeq: 3}
	r := NewRelay(src, pub, fakeArchiver{}, RelayConfig{BatchSize: 10}, nil)

	var results []string
	r.OnResult(func(res string) { results = append(results, res) })

	n, err := r.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint64{1, 2}, pub.got)
	assert.Equal(t, []string{"published", "published", "failed"}, results)
	assert.Contains(t, src.published[1], "events/")
	_, shipped := src.published[3]
	assert.False(t, shipped, "failed event must stay pending")

	pub.failSeq = 0
	n, err = r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint64{1, 2, 3, 4}, pub.got)
}

func TestRelayWithoutSinksStillDrainsOutbox(t *testing.T) {
	src := &fakeSource{pending: sealedChain(t, 2), published: map[uint64]string{}}
	r := NewRelay(src, nil, nil, RelayConfig{}, nil)
	n, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "", src.published[2])
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	src := &fakeSource{published: map[uint64]string{}}
	r := NewRelay(src, nil, nil, RelayConfig{PollInterval: time.Millisecond}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type fakeWriter struct {
	fails int
	msgs  []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.fails > 0 {
		w.fails--
		return errors.New("leader not available")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisherRetriesThenSucceeds(t *testing.T) {
	w := &fakeWriter{fails: 2}
	p := &KafkaPublisher{writer: w, maxAttempts: 3, timeout: time.Second, sleep: func(time.Duration) {}}
	ev := sealedChain(t, 1)[0]

	require.NoError(t, p.Publish(context.Background(), ev))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, ev.Account.Hex(), string(w.msgs[0].Key))

	var decoded Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, ev.Hash, decoded.Hash)
}

func TestKafkaPublisherGivesUp(t *testing.T) {
	w := &fakeWriter{fails: 5}
	p := &KafkaPublisher{writer: w, maxAttempts: 2, timeout: time.Second, sleep: func(time.Duration) {}}
	err := p.Publish(context.Background(), sealedChain(t, 1)[0])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestNewKafkaPublisherValidates(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{Topic: "pledges"})
	assert.Error(t, err)
	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}

type fakeUploader struct {
	key  string
	body []byte
}

func (u *fakeUploader) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	u.key = *in.Key
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	u.body = b
	return &manager.UploadOutput{Key: in.Key}, nil
}

func TestS3ArchiverKeyLayout(t *testing.T) {
	up := &fakeUploader{}
	a := &S3Archiver{bucket: "audit", prefix: "pledges", uploader: up}
	ev := sealedChain(t, 1)[0]

	key, err := a.Archive(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, "pledges/events/2023/11/14/00000000000000000001.json", key)
	assert.Equal(t, key, up.key)

	var decoded Event
	require.NoError(t, json.Unmarshal(up.body, &decoded))
	assert.Equal(t, ev.Seq, decoded.Seq)
}
