package relay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/verba0/verba/internal/log"
	"github.com/verba0/verba/internal/session"
	"github.com/verba0/verba/internal/store"
	"github.com/verba0/verba/internal/testutil"
	"github.com/verba0/verba/internal/tokens"
)

// goleakOptions filters out long-lived goroutines that outlive a test run:
// HTTP connection pool readers and the tokenizer vocabulary fetch.
func goleakOptions() []goleak.Option {
	return []goleak.Option{
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*http2clientConnReadLoop).run"),
	}
}

func testRelay(st Store, emb *testutil.Embedder, comp *testutil.Completer) *Relay {
	return New(Config{
		Engine: session.Config{
			Persona:          "You are a test assistant.",
			ChatModel:        "gpt-4o",
			SummaryModel:     "gpt-4o-mini",
			ContextTokens:    10000,
			SummaryMaxTokens: 500,
			MinContextLength: 300,
			RelevanceCutoff:  0.7,
			RelevanceTopN:    5,
		},
		ReplyChunkSize: 4096,
	}, Deps{
		Store:     st,
		Embedder:  emb,
		Completer: comp,
		Estimator: tokens.NewEstimator(log.NewNop()),
		Logger:    log.NewNop(),
	})
}

func TestRespondFullTurn(t *testing.T) {
	defer goleak.VerifyNone(t, goleakOptions()...)

	ctx := context.Background()
	st := testutil.NewMemStore()
	comp := &testutil.Completer{Text: "the answer", Tokens: 42}
	r := testRelay(st, &testutil.Embedder{}, comp)

	reply, err := r.Respond(ctx, 7, "hello")
	require.NoError(t, err)

	assert.Equal(t, []string{"the answer"}, reply.Chunks)
	assert.Equal(t, 42, reply.TotalTokens)

	// Both sides of the exchange are persisted, in order.
	sess, err := st.CurrentSession(ctx, 7)
	require.NoError(t, err)
	msgs, err := st.SessionMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "the answer", msgs[1].Content)

	// Usage is accounted.
	u, err := st.User(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 42, u.TokensUsed)
	assert.Equal(t, 42, u.DailyTokensUsed)
}

func TestRespondModelSeesFullContext(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewMemStore()
	comp := &testutil.Completer{Text: "ok"}
	r := testRelay(st, &testutil.Embedder{}, comp)

	_, err := r.Respond(ctx, 7, "first question")
	require.NoError(t, err)
	_, err = r.Respond(ctx, 7, "second question")
	require.NoError(t, err)

	reqs := comp.Requests()
	require.Len(t, reqs, 2)

	last := reqs[1]
	assert.Equal(t, "gpt-4o", last.Model)
	require.Len(t, last.Messages, 4) // persona, turn 1 pair, current input
	assert.Equal(t, "system", last.Messages[0].Role)
	assert.Equal(t, "first question", last.Messages[1].Content)
	assert.Equal(t, "ok", last.Messages[2].Content)
	assert.Equal(t, "second question", last.Messages[3].Content)
}

func TestRespondDailyLimit(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewMemStore()
	comp := &testutil.Completer{Text: "never"}
	r := testRelay(st, &testutil.Embedder{}, comp)

	require.NoError(t, st.EnsureUser(ctx, 7))
	require.NoError(t, st.SetTokenLimit(ctx, 7, 100))
	require.NoError(t, st.RecordTokens(ctx, 7, 100))

	_, err := r.Respond(ctx, 7, "hello")
	require.ErrorIs(t, err, ErrDailyLimit)
	assert.Zero(t, comp.Calls(), "model must not be called past the limit")
}

// staleResetStore reports the user's last reset as yesterday, simulating
// a counter the store has not yet rolled over.
type staleResetStore struct {
	*testutil.MemStore
}

func (s *staleResetStore) User(ctx context.Context, userID int64) (*store.User, error) {
	u, err := s.MemStore.User(ctx, userID)
	if err != nil {
		return nil, err
	}
	u.LastReset = time.Now().AddDate(0, 0, -1)
	return u, nil
}

func TestRespondDailyLimitRollsOver(t *testing.T) {
	ctx := context.Background()
	st := &staleResetStore{MemStore: testutil.NewMemStore()}
	comp := &testutil.Completer{Text: "fresh allowance", Tokens: 10}
	r := testRelay(st, &testutil.Embedder{}, comp)

	require.NoError(t, st.EnsureUser(ctx, 7))
	require.NoError(t, st.SetTokenLimit(ctx, 7, 100))
	require.NoError(t, st.RecordTokens(ctx, 7, 100))

	// The limit was hit yesterday; today's first turn must go through.
	reply, err := r.Respond(ctx, 7, "hello")
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh allowance"}, reply.Chunks)
	assert.Equal(t, 1, comp.Calls())
}

func TestRespondZeroLimitMeansUnlimited(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewMemStore()
	r := testRelay(st, &testutil.Embedder{}, &testutil.Completer{Text: "ok", Tokens: 1000})

	require.NoError(t, st.EnsureUser(ctx, 7))
	require.NoError(t, st.RecordTokens(ctx, 7, 1_000_000))

	_, err := r.Respond(ctx, 7, "hello")
	assert.NoError(t, err)
}

func TestRespondCompletionFailureAborts(t *testing.T) {
	defer goleak.VerifyNone(t, goleakOptions()...)

	st := testutil.NewMemStore()
	comp := &testutil.Completer{Err: testutil.ErrUnavailable}
	r := testRelay(st, &testutil.Embedder{}, comp)

	_, err := r.Respond(context.Background(), 7, "hello")
	require.ErrorIs(t, err, testutil.ErrUnavailable)
}

func TestRespondSurvivesRecordFailure(t *testing.T) {
	st := testutil.NewMemStore()
	st.AppendErr = testutil.ErrUnavailable
	r := testRelay(st, &testutil.Embedder{}, &testutil.Completer{Text: "degraded but alive"})

	reply, err := r.Respond(context.Background(), 7, "hello")
	require.NoError(t, err)
	assert.Equal(t, []string{"degraded but alive"}, reply.Chunks)
}

func TestRespondSplitsLongReply(t *testing.T) {
	st := testutil.NewMemStore()
	long := strings.Repeat("a", 5000)
	r := testRelay(st, &testutil.Embedder{}, &testutil.Completer{Text: long})

	reply, err := r.Respond(context.Background(), 7, "hello")
	require.NoError(t, err)
	require.Len(t, reply.Chunks, 2)
	assert.Equal(t, 4096, len([]rune(reply.Chunks[0])))
	assert.Equal(t, long, strings.Join(reply.Chunks, ""))
}

func TestResetStartsFreshSession(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewMemStore()
	r := testRelay(st, &testutil.Embedder{}, &testutil.Completer{Text: "ok"})

	_, err := r.Respond(ctx, 7, "remember this")
	require.NoError(t, err)
	old, err := st.CurrentSession(ctx, 7)
	require.NoError(t, err)

	fresh, err := r.Reset(ctx, 7)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh)

	// The old messages are kept but no longer part of the new session.
	msgs, err := st.SessionMessages(ctx, fresh)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, 2, st.MessageCount())
}

func TestWipeDeletesSessionAndMessages(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewMemStore()
	r := testRelay(st, &testutil.Embedder{}, &testutil.Completer{Text: "ok"})

	_, err := r.Respond(ctx, 7, "sensitive")
	require.NoError(t, err)
	require.Equal(t, 2, st.MessageCount())

	require.NoError(t, r.Wipe(ctx, 7))
	assert.Zero(t, st.MessageCount())

	// The next turn starts from only the persona.
	_, err = r.Respond(ctx, 7, "clean slate")
	require.NoError(t, err)
	reqs := testutilCompleter(t, r).Requests()
	last := reqs[len(reqs)-1]
	require.Len(t, last.Messages, 2)
	assert.Equal(t, "system", last.Messages[0].Role)
	assert.Equal(t, "clean slate", last.Messages[1].Content)
}

// testutilCompleter digs the scripted completer back out of the relay deps.
func testutilCompleter(t *testing.T, r *Relay) *testutil.Completer {
	t.Helper()
	comp, ok := r.deps.Completer.(*testutil.Completer)
	require.True(t, ok)
	return comp
}

func TestAuthorized(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewMemStore()
	r := New(Config{AdminUserID: 99}, Deps{
		Store:     st,
		Embedder:  &testutil.Embedder{},
		Completer: &testutil.Completer{},
		Estimator: tokens.NewEstimator(log.NewNop()),
		Logger:    log.NewNop(),
	})

	ok, err := r.Authorized(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok, "unknown user is not authorized")

	require.NoError(t, st.EnsureUser(ctx, 7))
	ok, err = r.Authorized(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok, "known user is authorized")

	ok, err = r.Authorized(ctx, 99)
	require.NoError(t, err)
	assert.True(t, ok, "admin is authorized on first contact")
	_, err = st.User(ctx, 99)
	assert.NoError(t, err, "admin is auto-provisioned")
}
