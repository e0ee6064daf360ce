package memory

import (
	"context"
	"testing"
	"time"

	"github.com/ButyrinIA/yaksafe/internal/models"
	"github.com/ButyrinIA/yaksafe/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// steppedClock returns a clock that advances one minute per call.
func steppedClock() func() time.Time {
	t := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Minute)
		return t
	}
}

func newPost(zone models.Zone, text string) models.NewPost {
	return models.NewPost{Text: text, Author: "Anonymous", Points: 10, Zone: zone}
}

func TestMemoryStorage(t *testing.T) {
	t.Run("CreatePost and GetPost", func(t *testing.T) {
		store := New()
		ctx := context.Background()
		owner := "owner-1"

		np := newPost(models.ZoneCampus, "Best chai spot near here?")
		np.OwnerID = &owner
		post, err := store.CreatePost(ctx, np)
		require.NoError(t, err)
		assert.NotEmpty(t, post.ID, "storage assigns the identifier")
		assert.False(t, post.CreatedAt.IsZero(), "storage assigns the timestamp")
		assert.False(t, post.Hidden)
		assert.Equal(t, &owner, post.OwnerID)

		retrieved, err := store.GetPost(ctx, post.ID)
		require.NoError(t, err)
		assert.Equal(t, post, retrieved)
	})

	t.Run("identical posts get distinct ids", func(t *testing.T) {
		store := New()
		ctx := context.Background()

		a, err := store.CreatePost(ctx, newPost(models.ZoneCampus, "same"))
		require.NoError(t, err)
		b, err := store.CreatePost(ctx, newPost(models.ZoneCampus, "same"))
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)
	})

	t.Run("GetPost Not Found", func(t *testing.T) {
		store := New()
		_, err := store.GetPost(context.Background(), "non-existent-id")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.Equal(t, "post not found", err.Error())
	})

	t.Run("GetPosts skips unknown", func(t *testing.T) {
		store := New()
		ctx := context.Background()
		post, err := store.CreatePost(ctx, newPost(models.ZoneBagru, "hi"))
		require.NoError(t, err)

		posts, err := store.GetPosts(ctx, []string{"missing", post.ID})
		require.NoError(t, err)
		require.Len(t, posts, 1)
		assert.Equal(t, post.ID, posts[0].ID)
	})

	t.Run("ListPosts", func(t *testing.T) {
		store := New(WithClock(steppedClock()))
		ctx := context.Background()

		post1, err := store.CreatePost(ctx, newPost(models.ZoneCampus, "Post 1"))
		require.NoError(t, err)
		post2, err := store.CreatePost(ctx, newPost(models.ZoneCampus, "Post 2"))
		require.NoError(t, err)
		_, err = store.CreatePost(ctx, newPost(models.ZoneJaipur, "elsewhere"))
		require.NoError(t, err)
		hidden, err := store.CreatePost(ctx, newPost(models.ZoneCampus, "hidden"))
		require.NoError(t, err)
		_, err = store.UpdatePost(ctx, hidden.ID, models.PostPatch{Hidden: boolPtr(true)})
		require.NoError(t, err)

		result, err := store.ListPosts(ctx, models.PostFilter{Zone: models.ZoneCampus, Limit: 1})
		require.NoError(t, err)
		require.Len(t, result.Posts, 1)
		assert.Equal(t, post2.ID, result.Posts[0].ID, "newest first")
		assert.Equal(t, 2, result.TotalCount, "hidden and foreign-zone posts excluded")
		require.NotNil(t, result.NextCursor)

		result, err = store.ListPosts(ctx, models.PostFilter{Zone: models.ZoneCampus, Limit: 1, Cursor: result.NextCursor})
		require.NoError(t, err)
		require.Len(t, result.Posts, 1)
		assert.Equal(t, post1.ID, result.Posts[0].ID)
		assert.Nil(t, result.NextCursor)

		all, err := store.ListPosts(ctx, models.PostFilter{Zone: models.ZoneCampus, IncludeHidden: true})
		require.NoError(t, err)
		assert.Len(t, all.Posts, 3)

		bad := "not-a-cursor"
		_, err = store.ListPosts(ctx, models.PostFilter{Cursor: &bad})
		assert.Error(t, err)
	})

	t.Run("ListPosts pages through equal timestamps", func(t *testing.T) {
		at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		store := New(WithClock(func() time.Time { return at }))
		ctx := context.Background()

		created := map[string]bool{}
		for i := 0; i < 5; i++ {
			p, err := store.CreatePost(ctx, newPost(models.ZoneCampus, "same second"))
			require.NoError(t, err)
			created[p.ID] = true
		}

		seen := map[string]bool{}
		filter := models.PostFilter{Zone: models.ZoneCampus, Limit: 2}
		for pages := 0; pages < 5; pages++ {
			page, err := store.ListPosts(ctx, filter)
			require.NoError(t, err)
			for _, p := range page.Posts {
				assert.False(t, seen[p.ID], "post %s listed twice", p.ID)
				seen[p.ID] = true
			}
			if page.NextCursor == nil {
				break
			}
			filter.Cursor = page.NextCursor
		}
		assert.Equal(t, created, seen)
	})

	t.Run("UpdatePost", func(t *testing.T) {
		store := New()
		ctx := context.Background()
		post, err := store.CreatePost(ctx, newPost(models.ZoneCampus, "report me"))
		require.NoError(t, err)

		updated, err := store.UpdatePost(ctx, post.ID, models.PostPatch{Reported: boolPtr(true)})
		require.NoError(t, err)
		assert.True(t, updated.Reported)
		assert.False(t, updated.Hidden)

		_, err = store.UpdatePost(ctx, "missing", models.PostPatch{Hidden: boolPtr(true)})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("SubscribeInserts", func(t *testing.T) {
		store := New()
		ctx := context.Background()

		sub, err := store.SubscribeInserts(ctx, models.PostFilter{Zone: models.ZoneBagru})
		require.NoError(t, err)
		defer sub.Close()

		_, err = store.CreatePost(ctx, newPost(models.ZoneCampus, "not for bagru"))
		require.NoError(t, err)
		created, err := store.CreatePost(ctx, newPost(models.ZoneBagru, "for bagru"))
		require.NoError(t, err)

		select {
		case got := <-sub.Posts():
			assert.Equal(t, created.ID, got.ID)
		case <-time.After(time.Second):
			t.Fatal("no insert event")
		}
	})

	t.Run("Close", func(t *testing.T) {
		store := New()
		ctx := context.Background()

		post, err := store.CreatePost(ctx, newPost(models.ZoneCampus, "bye"))
		require.NoError(t, err)
		sub, err := store.SubscribeInserts(ctx, models.PostFilter{})
		require.NoError(t, err)

		assert.NoError(t, store.Close())

		_, err = store.GetPost(ctx, post.ID)
		assert.Error(t, err, "data is dropped on close")

		_, ok := <-sub.Posts()
		assert.False(t, ok)
		assert.ErrorIs(t, sub.Err(), storage.ErrSubscriptionLost)
	})
}

func boolPtr(b bool) *bool { return &b }
