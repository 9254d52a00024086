package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

type staticSource struct {
	mu   sync.Mutex
	html string
	ch   chan struct{}
}

func newStaticSource(html string) *staticSource {
	return &staticSource{html: html, ch: make(chan struct{}, 1)}
}

func (s *staticSource) Set(html string) {
	s.mu.Lock()
	s.html = html
	s.mu.Unlock()
}

func (s *staticSource) Snapshot(context.Context) (*Document, error) {
	s.mu.Lock()
	html := s.html
	s.mu.Unlock()
	return ParseDocument(strings.NewReader(html))
}

func (s *staticSource) Mutations() <-chan struct{} { return s.ch }

type recordingForwarder struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (f *recordingForwarder) Forward(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return f.err
}

func (f *recordingForwarder) Messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.msgs...)
}

type turn struct {
	class string
	text  string
	at    string
}

func render(turns ...turn) string {
	var b strings.Builder
	b.WriteString("<html><body><main>")
	for i, t := range turns {
		b.WriteString(`<div class="` + t.class + `">`)
		if t.at != "" {
			b.WriteString(`<time datetime="` + t.at + `"></time>`)
		}
		fmt.Fprintf(&b, `<div data-testid="message-%d">%s</div></div>`, i, t.text)
	}
	b.WriteString("</main></body></html>")
	return b.String()
}

func conversation(n int) []turn {
	turns := make([]turn, n)
	for i := range turns {
		class := "message user"
		if i%2 == 1 {
			class = "message assistant"
		}
		turns[i] = turn{
			class: class,
			text:  fmt.Sprintf("This is conversation turn number %d", i+1),
			at:    fixedNow.Add(time.Duration(i) * time.Minute).Format(time.RFC3339),
		}
	}
	return turns
}

func newTestScheduler(t *testing.T, src Source, fwd Forwarder) *Scheduler {
	t.Helper()
	s, err := NewScheduler(SchedulerConfig{Now: func() time.Time { return fixedNow }}, NewSession("user-1", 0), src, fwd, nil)
	require.NoError(t, err)
	return s
}

func TestScanSameSnapshotTwiceForwardsNothingNew(t *testing.T) {
	src := newStaticSource(render(conversation(4)...))
	fwd := &recordingForwarder{}
	s := newTestScheduler(t, src, fwd)

	res, err := s.Scan(context.Background(), TriggerTick)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Forwarded)

	res, err = s.Scan(context.Background(), TriggerTick)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Forwarded)
	assert.Len(t, fwd.Messages(), 4)
}

func TestScanGrowingDocumentForwardsOnlySuffix(t *testing.T) {
	turns := conversation(5)
	src := newStaticSource(render(turns[:3]...))
	fwd := &recordingForwarder{}
	s := newTestScheduler(t, src, fwd)

	_, err := s.Scan(context.Background(), TriggerTick)
	require.NoError(t, err)
	require.Len(t, fwd.Messages(), 3)

	src.Set(render(turns...))
	res, err := s.Scan(context.Background(), TriggerMutation)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Forwarded)

	msgs := fwd.Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, "This is conversation turn number 4", msgs[3].Content)
	assert.Equal(t, "This is conversation turn number 5", msgs[4].Content)
	assert.Equal(t, RoleAssistant, msgs[3].Role)
	assert.Equal(t, RoleHuman, msgs[4].Role)
	assert.Equal(t, 5, s.Session().LastProcessed())
}

func TestScanDuplicateFingerprintForwardedOnce(t *testing.T) {
	at := fixedNow.Format(time.RFC3339)
	src := newStaticSource(render(
		turn{class: "message user", text: "Can we talk about the launch plan?", at: at},
		turn{class: "message user", text: "Can we talk about the launch plan?", at: at},
	))
	fwd := &recordingForwarder{}
	s := newTestScheduler(t, src, fwd)

	res, err := s.Scan(context.Background(), TriggerTick)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Observed)
	assert.Equal(t, 1, res.Forwarded)
	assert.Len(t, fwd.Messages(), 1)
	assert.Equal(t, 2, s.Session().LastProcessed())
}

func TestScanReplayedHistoryBatchIsSkipped(t *testing.T) {
	turns := []turn{
		{class: "message user", text: "=== CONVERSATION HISTORY WITH Faith ==="},
		{class: "message assistant", text: "Thanks for sharing our history together"},
		{class: "message user", text: "Sure, let us pick up where we left off"},
	}
	src := newStaticSource(render(turns...))
	fwd := &recordingForwarder{}
	s := newTestScheduler(t, src, fwd)

	res, err := s.Scan(context.Background(), TriggerInitial)
	require.NoError(t, err)
	assert.True(t, res.Replay)
	assert.Empty(t, fwd.Messages())
	assert.Equal(t, 3, s.Session().LastProcessed())

	turns = append(turns, turn{class: "message assistant", text: "Great, what is on your mind today?"})
	src.Set(render(turns...))
	res, err = s.Scan(context.Background(), TriggerTick)
	require.NoError(t, err)
	require.Len(t, fwd.Messages(), 1)
	assert.Equal(t, "Great, what is on your mind today?", fwd.Messages()[0].Content)
	assert.False(t, res.Replay)
}

func TestScanFiltersHistoryLinesAndShortContent(t *testing.T) {
	src := newStaticSource(render(
		turn{class: "message user", text: "Please remember my sister's birthday"},
		turn{class: "message assistant", text: "ok"},
		turn{class: "message user", text: "[Emotion: positive] [Importance: 0.90]"},
		turn{class: "message assistant", text: "[2024-03-01 10:15:00] Human: earlier line"},
		turn{class: "message user", text: "I'm so happy and grateful for this, thank you"},
	))
	fwd := &recordingForwarder{}
	s := newTestScheduler(t, src, fwd)

	res, err := s.Scan(context.Background(), TriggerTick)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Filtered)
	assert.Equal(t, 5, s.Session().LastProcessed())

	msgs := fwd.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, 0.9, msgs[0].Importance)
	assert.Equal(t, "positive, grateful", msgs[1].EmotionalContext)
}

func TestScanForwardsCodeThatLooksLikeMarkers(t *testing.T) {
	code := "In JavaScript, write if (a === b) to compare without coercion."
	block := "function eq(a, b) {\n  return a === b\n}\n=== not a banner"
	src := newStaticSource(render(
		turn{class: "message assistant", text: code},
		turn{class: "message assistant", text: block},
	))
	fwd := &recordingForwarder{}
	s := newTestScheduler(t, src, fwd)

	res, err := s.Scan(context.Background(), TriggerTick)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Filtered)
	assert.False(t, res.Replay)

	msgs := fwd.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, code, msgs[0].Content)
	assert.Equal(t, block, msgs[1].Content)
}

func TestScanEntirelyFilteredBatchStillAdvancesCursor(t *testing.T) {
	src := newStaticSource(render(
		turn{class: "message user", text: "Hello there, my friend"},
		turn{class: "message assistant", text: "hey"},
	))
	fwd := &recordingForwarder{}
	s := newTestScheduler(t, src, fwd)
	_, err := s.Scan(context.Background(), TriggerTick)
	require.NoError(t, err)

	src.Set(render(
		turn{class: "message user", text: "Hello there, my friend"},
		turn{class: "message assistant", text: "hey"},
		turn{class: "message user", text: "Total Messages: 42"},
	))
	res, err := s.Scan(context.Background(), TriggerTick)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Forwarded)
	assert.Equal(t, 3, s.Session().LastProcessed())
}

func TestScanShrinkingDocumentKeepsCursor(t *testing.T) {
	turns := conversation(4)
	src := newStaticSource(render(turns...))
	fwd := &recordingForwarder{}
	s := newTestScheduler(t, src, fwd)
	_, err := s.Scan(context.Background(), TriggerTick)
	require.NoError(t, err)

	src.Set(render(turns[:2]...))
	res, err := s.Scan(context.Background(), TriggerTick)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Forwarded)
	assert.Equal(t, 4, s.Session().LastProcessed())
}

func TestConcurrentScansDeliverEachMessageOnce(t *testing.T) {
	src := newStaticSource(render(conversation(20)...))
	fwd := &recordingForwarder{}
	s := newTestScheduler(t, src, fwd)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Scan(context.Background(), TriggerMutation)
		}()
	}
	wg.Wait()

	msgs := fwd.Messages()
	assert.Len(t, msgs, 20)
	seen := map[string]bool{}
	for _, m := range msgs {
		assert.False(t, seen[m.Fingerprint], "duplicate delivery of %q", m.Content)
		seen[m.Fingerprint] = true
	}
}

func TestScanUndeliveredMessageDoesNotMarkCapture(t *testing.T) {
	src := newStaticSource(render(conversation(1)...))
	fwd := &recordingForwarder{err: errors.New("queued")}
	s := newTestScheduler(t, src, fwd)

	_, err := s.Scan(context.Background(), TriggerTick)
	require.NoError(t, err)
	st := s.Session().Status()
	assert.Nil(t, st.LastCapture)
	assert.Equal(t, int64(1), st.Forwarded)

	fwd.err = nil
	src.Set(render(conversation(2)...))
	_, err = s.Scan(context.Background(), TriggerTick)
	require.NoError(t, err)
	st = s.Session().Status()
	require.NotNil(t, st.LastCapture)
	assert.Equal(t, fixedNow, *st.LastCapture)
}

type fakeLicense struct{ ok bool }

func (f fakeLicense) CheckLicense(context.Context) (bool, error) { return f.ok, nil }

type fakeHealth struct{ calls int }

func (f *fakeHealth) Health(context.Context) error {
	f.calls++
	return errors.New("unreachable")
}

func TestRunRefusesWithoutLicense(t *testing.T) {
	src := newStaticSource(render(conversation(2)...))
	fwd := &recordingForwarder{}
	s := newTestScheduler(t, src, fwd).WithLicense(fakeLicense{ok: false})

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrUnlicensed)
	assert.Empty(t, fwd.Messages())
	assert.False(t, s.Session().Status().Active)
}

func TestRunScansOnStartAndMutation(t *testing.T) {
	turns := conversation(3)
	src := newStaticSource(render(turns[:1]...))
	fwd := &recordingForwarder{}
	health := &fakeHealth{}
	s, err := NewScheduler(SchedulerConfig{Interval: time.Hour}, NewSession("user-1", 0), src, fwd, nil)
	require.NoError(t, err)
	s.WithLicense(fakeLicense{ok: true}).WithHealth(health)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(fwd.Messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, s.Session().Status().Active)

	src.Set(render(turns...))
	src.ch <- struct{}{}
	require.Eventually(t, func() bool { return len(fwd.Messages()) == 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, health.calls)
	assert.False(t, s.Session().Status().Active)
}
