package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ButyrinIA/yaksafe/internal/models"
	"github.com/ButyrinIA/yaksafe/internal/moderation"
	"github.com/ButyrinIA/yaksafe/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockModerator struct {
	mock.Mock
}

func (m *mockModerator) Moderate(ctx context.Context, text string) (models.Verdict, error) {
	args := m.Called(ctx, text)
	return args.Get(0).(models.Verdict), args.Error(1)
}

type mockCreator struct {
	mock.Mock
}

func (m *mockCreator) CreatePost(ctx context.Context, p models.NewPost) (*models.Post, error) {
	args := m.Called(ctx, p)
	post, _ := args.Get(0).(*models.Post)
	return post, args.Error(1)
}

// stepClock is a concurrency safe clock that advances one second per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := epoch
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newStore() *memory.MemoryStorage {
	return memory.New(memory.WithClock(stepClock()))
}

func TestPipeline_Validation(t *testing.T) {
	mod := &mockModerator{}
	creator := &mockCreator{}
	p := NewPipeline(mod, creator, nil, PipelineConfig{})
	ctx := context.Background()

	_, err := p.Submit(ctx, "   \n\t ", models.ZoneCampus, nil)
	assert.ErrorIs(t, err, ErrEmptyText)

	_, err = p.Submit(ctx, strings.Repeat("a", DefaultMaxLength+1), models.ZoneCampus, nil)
	assert.ErrorIs(t, err, ErrTextTooLong)

	_, err = p.Submit(ctx, "hello", models.Zone("Mars"), nil)
	assert.ErrorIs(t, err, models.ErrUnknownZone)

	mod.AssertNotCalled(t, "Moderate", mock.Anything, mock.Anything)
	creator.AssertNotCalled(t, "CreatePost", mock.Anything, mock.Anything)
}

func TestPipeline_LengthCountsCharacters(t *testing.T) {
	store := newStore()
	p := NewPipeline(moderation.Local{}, store, nil, PipelineConfig{MaxLength: 5})

	res, err := p.Submit(context.Background(), "  चाय चाय  ", models.ZoneCampus, nil)
	require.Error(t, err, "7 runes over a limit of 5")
	assert.ErrorIs(t, err, ErrTextTooLong)

	res, err = p.Submit(context.Background(), "  चाय  ", models.ZoneCampus, nil)
	require.NoError(t, err)
	assert.Equal(t, "चाय", res.Accepted.Text, "text is stored trimmed")
}

func TestPipeline_Accepted(t *testing.T) {
	store := newStore()
	state := NewState(10, nil)
	state.Activate(models.ZoneCampus)
	owner := "owner-1"

	p := NewPipeline(moderation.Local{}, store, state, PipelineConfig{})
	res, err := p.Submit(context.Background(), "This is awesome", models.ZoneCampus, &owner)
	require.NoError(t, err)
	require.False(t, res.IsRejected())

	post := res.Accepted
	assert.NotEmpty(t, post.ID)
	assert.Equal(t, DefaultAuthor, post.Author)
	assert.Equal(t, DefaultRewardPoints, post.Points)
	assert.Equal(t, models.ZoneCampus, post.Zone)
	assert.Equal(t, &owner, post.OwnerID)
	assert.False(t, post.Hidden)

	assert.Equal(t, []string{post.ID}, ids(state.Snapshot()))
	stored, err := store.GetPost(context.Background(), post.ID)
	require.NoError(t, err)
	assert.Equal(t, post.Text, stored.Text)
}

func TestPipeline_IdenticalSubmissionsAreDistinct(t *testing.T) {
	store := newStore()
	state := NewState(10, nil)
	state.Activate(models.ZoneCampus)
	p := NewPipeline(moderation.Local{}, store, state, PipelineConfig{})

	first, err := p.Submit(context.Background(), "Same text", models.ZoneCampus, nil)
	require.NoError(t, err)
	second, err := p.Submit(context.Background(), "Same text", models.ZoneCampus, nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.Accepted.ID, second.Accepted.ID)
	assert.Equal(t, 2, state.Len())
}

func TestPipeline_Rejected(t *testing.T) {
	tests := []struct {
		name     string
		verdict  models.Verdict
		expected string
	}{
		{"reason passed through", models.Verdict{Safe: false, Reason: moderation.ReasonHarmful}, moderation.ReasonHarmful},
		{"empty reason defaults", models.Verdict{Safe: false}, "Blocked"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mod := &mockModerator{}
			mod.On("Moderate", mock.Anything, "you idiot").Return(tt.verdict, nil)
			creator := &mockCreator{}
			state := NewState(10, nil)
			state.Activate(models.ZoneCampus)

			res, err := NewPipeline(mod, creator, state, PipelineConfig{}).
				Submit(context.Background(), " you idiot ", models.ZoneCampus, nil)
			require.NoError(t, err)
			assert.True(t, res.IsRejected())
			assert.Equal(t, tt.expected, res.Rejected)
			assert.Zero(t, state.Len())
			creator.AssertNotCalled(t, "CreatePost", mock.Anything, mock.Anything)
			mod.AssertExpectations(t)
		})
	}
}

func TestPipeline_ModerationTimeoutIsNotRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	client := moderation.NewClient(srv.URL, 30*time.Millisecond, moderation.RetryPolicy{
		MaxAttempts: 2,
		Base:        5 * time.Millisecond,
	})
	store := newStore()
	state := NewState(10, nil)
	state.Activate(models.ZoneCampus)

	res, err := NewPipeline(client, store, state, PipelineConfig{}).
		Submit(context.Background(), "This is awesome", models.ZoneCampus, nil)
	assert.ErrorIs(t, err, moderation.ErrUnavailable)
	assert.False(t, errors.Is(err, ErrStorage))
	assert.Equal(t, Result{}, res)

	page, err := store.ListPosts(context.Background(), models.PostFilter{IncludeHidden: true})
	require.NoError(t, err)
	assert.Empty(t, page.Posts, "no post is created without a verdict")
	assert.Zero(t, state.Len())
}

func TestPipeline_StorageFailureLeavesStateUntouched(t *testing.T) {
	creator := &mockCreator{}
	creator.On("CreatePost", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))
	state := NewState(10, nil)
	state.Activate(models.ZoneCampus)
	state.Insert(post("existing", models.ZoneCampus, 1))

	_, err := NewPipeline(moderation.Local{}, creator, state, PipelineConfig{}).
		Submit(context.Background(), "This is awesome", models.ZoneCampus, nil)
	assert.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, []string{"existing"}, ids(state.Snapshot()))
}

func TestPipeline_StorageTimeout(t *testing.T) {
	creator := &mockCreator{}
	creator.On("CreatePost", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	_, err := NewPipeline(moderation.Local{}, creator, nil, PipelineConfig{StorageTimeout: 20 * time.Millisecond}).
		Submit(context.Background(), "This is awesome", models.ZoneCampus, nil)
	assert.ErrorIs(t, err, ErrStorage)
}

func TestPipeline_HiddenPostIsNotInsertedOptimistically(t *testing.T) {
	creator := &mockCreator{}
	hidden := post("h", models.ZoneCampus, 1)
	hidden.Hidden = true
	creator.On("CreatePost", mock.Anything, mock.Anything).Return(hidden, nil)
	state := NewState(10, nil)
	state.Activate(models.ZoneCampus)

	res, err := NewPipeline(moderation.Local{}, creator, state, PipelineConfig{}).
		Submit(context.Background(), "This is awesome", models.ZoneCampus, nil)
	require.NoError(t, err)
	assert.Equal(t, "h", res.Accepted.ID)
	assert.Zero(t, state.Len())
}

func TestSeed(t *testing.T) {
	store := newStore()
	owner := "seeder"

	posts, err := Seed(context.Background(), store, models.ZoneBagru, &owner, PipelineConfig{})
	require.NoError(t, err)
	require.Len(t, posts, len(SeedTexts))

	page, err := store.ListPosts(context.Background(), models.PostFilter{Zone: models.ZoneBagru})
	require.NoError(t, err)
	assert.Len(t, page.Posts, len(SeedTexts))
	for _, p := range page.Posts {
		assert.Equal(t, &owner, p.OwnerID)
		assert.Equal(t, DefaultRewardPoints, p.Points)
	}

	_, err = Seed(context.Background(), store, models.Zone("nowhere"), nil, PipelineConfig{})
	assert.ErrorIs(t, err, models.ErrUnknownZone)
}
