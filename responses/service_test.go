package responses

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/richinex/cortex/backend"
	"github.com/richinex/cortex/llm"
	"github.com/richinex/cortex/storage"
	"github.com/stretchr/testify/require"
)

func TestCreateStartsAndContinuesThread(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	r1, err := f.svc.Create(ctx, Request{Input: "hello"})
	require.NoError(t, err)
	require.Equal(t, r1.ID, r1.ThreadID)
	require.True(t, r1.Store)
	require.Equal(t, "You said: hello (turn 1)", r1.Reply)

	cps, err := f.store.List(ctx, r1.ThreadID)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	msgs := cps[0].Payload.Messages
	require.Len(t, msgs, 2)
	require.Equal(t, llm.UserMessage("hello"), msgs[0])
	require.Equal(t, llm.AssistantMessage(r1.Reply), msgs[1])
	require.Equal(t, r1.ID, cps[0].Payload.ResponseID)

	r2, err := f.svc.Create(ctx, Request{Input: "again", PreviousResponseID: r1.ID})
	require.NoError(t, err)
	require.Equal(t, r1.ThreadID, r2.ThreadID)
	require.NotEqual(t, r1.ID, r2.ID)
	require.Equal(t, r1.ID, r2.PreviousResponseID)
	require.Equal(t, "You said: again (turn 2)", r2.Reply)

	cps, err = f.store.List(ctx, r1.ThreadID)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	require.Len(t, cps[1].Payload.Messages, 4)
	require.NotNil(t, cps[1].ParentCheckpointID)
	require.Equal(t, cps[0].CheckpointID, *cps[1].ParentCheckpointID)

	rec, found, err := f.tracker.Resolve(ctx, r2.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, rec.WasStored)
	require.Equal(t, r1.ThreadID, rec.ThreadID)
}

func TestCreateOnEmbeddedBackend(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "conversations.db")

	open := func() (*backend.Handle, *Service) {
		plan, err := backend.Select(backend.Options{Path: path, Env: func(string) string { return "" }})
		require.NoError(t, err)
		h, err := backend.Open(ctx, plan)
		require.NoError(t, err)
		svc, err := NewServiceFromHandle(h, llm.NewClient(llm.NewMockProvider("")), Config{PersistBackoff: NoPersistBackoff})
		require.NoError(t, err)
		return h, svc
	}

	h, svc := open()
	r1, err := svc.Create(ctx, Request{Input: "hello"})
	require.NoError(t, err)
	require.NoError(t, h.Close())

	// A fresh handle, as after a process restart.
	h, svc = open()
	defer func() { _ = h.Close() }()

	r2, err := svc.Create(ctx, Request{Input: "again", PreviousResponseID: r1.ID})
	require.NoError(t, err)
	require.Equal(t, r1.ID, r2.ThreadID)
	require.Equal(t, "You said: again (turn 2)", r2.Reply)

	cps, err := svc.History(ctx, r1.ID)
	require.NoError(t, err)
	require.Len(t, cps, 2)
}

func TestStoreFalseIsNotContinuable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	r3, err := f.svc.Create(ctx, Request{Input: "secret", Store: Bool(false)})
	require.NoError(t, err)
	require.False(t, r3.Store)

	_, found, err := f.store.Load(ctx, r3.ThreadID)
	require.NoError(t, err)
	require.False(t, found)

	rec, found, err := f.tracker.Resolve(ctx, r3.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, rec.WasStored)

	_, err = f.svc.Create(ctx, Request{Input: "what did I say", PreviousResponseID: r3.ID})
	re := requireKind(t, err, KindNotFound)
	require.Empty(t, re.ResponseID)
	require.Len(t, f.provider.Calls(), 1)
}

func TestStoreFalseContinuationOfStoredThread(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	r1, err := f.svc.Create(ctx, Request{Input: "one"})
	require.NoError(t, err)
	r2, err := f.svc.Create(ctx, Request{Input: "two", PreviousResponseID: r1.ID, Store: Bool(false)})
	require.NoError(t, err)
	require.Equal(t, r1.ThreadID, r2.ThreadID)

	cps, err := f.store.List(ctx, r1.ThreadID)
	require.NoError(t, err)
	require.Len(t, cps, 1)

	_, err = f.svc.Create(ctx, Request{Input: "three", PreviousResponseID: r2.ID})
	requireKind(t, err, KindNotFound)

	// The stored response is still a valid continuation point.
	r4, err := f.svc.Create(ctx, Request{Input: "three", PreviousResponseID: r1.ID})
	require.NoError(t, err)
	require.Equal(t, "You said: three (turn 2)", r4.Reply)
}

func TestUnknownPreviousResponse(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), Request{Input: "hi", PreviousResponseID: "resp_doesnotexist"})
	requireKind(t, err, KindNotFound)
	require.Empty(t, f.provider.Calls())
}

func TestTrackerSurvivesFailedAppend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.appendErrs = []error{transientErr("a"), transientErr("b"), transientErr("c")}

	_, err := f.svc.Create(ctx, Request{Input: "hello"})
	re := requireKind(t, err, KindPersist)
	require.NotEmpty(t, re.ResponseID)
	require.Contains(t, re.Message, re.ResponseID)
	require.Contains(t, re.Message, "can be continued")
	require.True(t, storage.IsTransient(re.Err))

	rec, found, err := f.tracker.Resolve(ctx, re.ResponseID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, re.ResponseID, rec.ThreadID)
	require.Len(t, f.provider.Calls(), 1)
}

func TestPreRegisteredMappingSurvivesFinalizeFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.appendErrs = []error{transientErr("a"), transientErr("b"), transientErr("c")}
	f.tracker.finalizeErr = errors.New("tracking connection lost")

	_, err := f.svc.Create(ctx, Request{Input: "hello"})
	re := requireKind(t, err, KindPersist)

	rec, found, err := f.tracker.Resolve(ctx, re.ResponseID)
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, rec.WasStored)
}

func TestPersistRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.appendErrs = []error{transientErr("busy"), transientErr("busy")}

	r, err := f.svc.Create(ctx, Request{Input: "hello"})
	require.NoError(t, err)
	require.Equal(t, 3, f.store.appendCalls())
	require.Len(t, f.provider.Calls(), 1)

	_, found, err := f.store.Load(ctx, r.ThreadID)
	require.NoError(t, err)
	require.True(t, found)
}

func TestPersistRetryBudget(t *testing.T) {
	for _, attempts := range []int{1, 2, 5} {
		f := newFixture(t, func(c *Config) { c.PersistAttempts = attempts })
		for i := 0; i < attempts+2; i++ {
			f.store.appendErrs = append(f.store.appendErrs, transientErr("down"))
		}

		_, err := f.svc.Create(context.Background(), Request{Input: "hello"})
		requireKind(t, err, KindPersist)
		require.Equal(t, attempts, f.store.appendCalls(), "attempts=%d", attempts)
		require.Len(t, f.provider.Calls(), 1)
	}
}

func TestPersistDoesNotRetryFatalErrors(t *testing.T) {
	f := newFixture(t)
	f.store.appendErrs = []error{errors.Wrap(storage.ErrSerialization, "encode snapshot")}

	_, err := f.svc.Create(context.Background(), Request{Input: "hello"})
	re := requireKind(t, err, KindPersist)
	require.NotEmpty(t, re.ResponseID)
	require.Equal(t, 1, f.store.appendCalls())
	require.ErrorIs(t, re, storage.ErrSerialization)
}

func TestContinueAfterPersistFailureResumesFromLastCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	r1, err := f.svc.Create(ctx, Request{Input: "first"})
	require.NoError(t, err)

	f.store.appendErrs = []error{transientErr("a"), transientErr("b"), transientErr("c")}
	_, err = f.svc.Create(ctx, Request{Input: "lost", PreviousResponseID: r1.ID})
	re := requireKind(t, err, KindPersist)

	r3, err := f.svc.Create(ctx, Request{Input: "third", PreviousResponseID: re.ResponseID})
	require.NoError(t, err)
	require.Equal(t, r1.ThreadID, r3.ThreadID)

	calls := f.provider.Calls()
	last := calls[len(calls)-1]
	require.Len(t, last, 3)
	require.Equal(t, "first", last[0].Content)
	require.Equal(t, "third", last[2].Content)
}

func TestPreRegisterFailureStopsBeforeGeneration(t *testing.T) {
	f := newFixture(t)
	f.tracker.preRegisterErr = transientErr("tracker down")

	_, err := f.svc.Create(context.Background(), Request{Input: "hello"})
	re := requireKind(t, err, KindPersist)
	require.Empty(t, re.ResponseID)
	require.Empty(t, f.provider.Calls())
	require.Equal(t, int32(0), f.tracker.finalizes.Load())
}

func TestPreRegisterSkippedWhenNotStoring(t *testing.T) {
	f := newFixture(t)
	f.tracker.preRegisterErr = errors.New("must not be called")

	r, err := f.svc.Create(context.Background(), Request{Input: "hello", Store: Bool(false)})
	require.NoError(t, err)
	require.False(t, r.Store)
}

func TestFinalizeFailureDoesNotFailRequest(t *testing.T) {
	f := newFixture(t)
	f.tracker.finalizeErr = errors.New("tracking write failed")

	r, err := f.svc.Create(context.Background(), Request{Input: "hello"})
	require.NoError(t, err)
	require.NotEmpty(t, r.Reply)
	require.Equal(t, int32(1), f.tracker.finalizes.Load())
}

func TestGenerationError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.provider.Respond = func([]llm.ChatMessage) (string, error) {
		return "", errors.New("429 Too Many Requests: rate limit exceeded")
	}

	_, err := f.svc.Create(ctx, Request{Input: "hello"})
	re := requireKind(t, err, KindGeneration)
	require.Equal(t, llm.ErrorKindRateLimit, re.GenerationKind)
	require.Empty(t, re.ResponseID)
	require.Equal(t, 0, f.store.appendCalls())
	require.Equal(t, int32(0), f.tracker.finalizes.Load())
}

func TestGeneratorPanicIsRecovered(t *testing.T) {
	f := newFixture(t)
	f.provider.Respond = func([]llm.ChatMessage) (string, error) {
		panic("provider exploded")
	}

	_, err := f.svc.Create(context.Background(), Request{Input: "hello"})
	re := requireKind(t, err, KindGeneration)
	require.Equal(t, llm.ErrorKindUnknown, re.GenerationKind)
}

func TestInstructionsOnlySeedNewThreads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	r1, err := f.svc.Create(ctx, Request{Input: "hi", Instructions: "You are a pirate."})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, Request{Input: "hi again", PreviousResponseID: r1.ID, Instructions: "You are a judge."})
	require.NoError(t, err)

	calls := f.provider.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, llm.SystemMessage("You are a pirate."), calls[0][0])

	var systems []string
	for _, m := range calls[1] {
		if m.Role == llm.RoleSystem {
			systems = append(systems, m.Content)
		}
	}
	require.Equal(t, []string{"You are a pirate."}, systems)
}

func TestRequestOptionsAndMetadata(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	r, err := f.svc.Create(ctx, Request{
		Input:       "hello",
		Model:       "mock-large",
		Temperature: Float32(0.2),
		Metadata:    map[string]string{"user": "u-42"},
	})
	require.NoError(t, err)
	require.Equal(t, "mock-large", r.Model)
	require.Equal(t, map[string]string{"user": "u-42"}, r.Metadata)
	require.NotNil(t, r.Usage)

	cp, found, err := f.store.Load(ctx, r.ThreadID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "u-42", cp.Payload.Metadata["user"])
	require.Equal(t, "mock-large", cp.Payload.Metadata["model"])
}

func TestInvalidRequestsTouchNothing(t *testing.T) {
	f := newFixture(t)
	for _, req := range []Request{
		{Input: "   "},
		{Input: "hi", Temperature: Float32(3)},
		{Input: "hi", PreviousResponseID: "not-a-response"},
	} {
		_, err := f.svc.Create(context.Background(), req)
		requireKind(t, err, KindInvalidRequest)
	}
	require.Empty(t, f.provider.Calls())
	require.Equal(t, 0, f.store.appendCalls())
}

func TestCustomValidator(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Validator = ValidatorFunc(func(req Request) error {
			if req.Metadata["tenant"] == "" {
				return errors.New("tenant metadata is required")
			}
			return nil
		})
	})
	_, err := f.svc.Create(context.Background(), Request{Input: "hi"})
	re := requireKind(t, err, KindInvalidRequest)
	require.Contains(t, re.Message, "tenant")
}

func TestRetrieve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	r1, err := f.svc.Create(ctx, Request{Input: "hello"})
	require.NoError(t, err)
	got, err := f.svc.Retrieve(ctx, r1.ID)
	require.NoError(t, err)
	require.True(t, got.Record.WasStored)
	require.NotNil(t, got.Latest)
	require.Equal(t, r1.ID, got.Latest.Payload.ResponseID)

	r2, err := f.svc.Create(ctx, Request{Input: "secret", Store: Bool(false)})
	require.NoError(t, err)
	got, err = f.svc.Retrieve(ctx, r2.ID)
	require.NoError(t, err)
	require.False(t, got.Record.WasStored)
	require.Nil(t, got.Latest)

	_, err = f.svc.Retrieve(ctx, "resp_missing")
	requireKind(t, err, KindNotFound)
}

func TestHistoryRejectsEmptyThread(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.History(context.Background(), " ")
	requireKind(t, err, KindInvalidRequest)
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	_, err := NewService(Config{})
	require.Error(t, err)
	_, err = NewServiceFromHandle(nil, nil, Config{})
	require.Error(t, err)
}

func TestPersistBackoffDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{"unset", 0, DefaultPersistBackoff},
		{"no pause", NoPersistBackoff, 0},
		{"explicit", time.Second, time.Second},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, func(c *Config) { c.PersistBackoff = tc.in })
			require.Equal(t, tc.want, f.svc.backoff)
		})
	}
}

func TestFromConfigError(t *testing.T) {
	_, err := backend.Select(backend.Options{URL: "mysql://db/app", Env: func(string) string { return "" }})
	require.Error(t, err)
	re := requireKind(t, FromConfigError(err), KindConfiguration)
	require.Contains(t, re.Message, "mysql")

	plain := errors.New("other")
	require.Equal(t, plain, FromConfigError(plain))
	require.NoError(t, FromConfigError(nil))
}
