package feed

import (
	"context"
	"fmt"

	"github.com/ButyrinIA/yaksafe/internal/models"
)

// SeedTexts are the welcome posts for an empty zone. They skip moderation.
var SeedTexts = []string{
	"Welcome to YakSafe, keep it kind.",
	"Best chai spot near here?",
	"Shoutout to everyone grinding today.",
}

// Seed creates one post per SeedTexts entry in zone. On failure the posts
// created so far are returned with the error.
func Seed(ctx context.Context, store PostCreator, zone models.Zone, ownerID *string, cfg PipelineConfig) ([]*models.Post, error) {
	canonical, err := models.ParseZone(string(zone))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, zone)
	}
	zone = canonical
	cfg = cfg.withDefaults()

	posts := make([]*models.Post, 0, len(SeedTexts))
	for _, text := range SeedTexts {
		p, err := store.CreatePost(ctx, models.NewPost{
			Text:    text,
			Author:  cfg.Author,
			Points:  cfg.RewardPoints,
			Zone:    zone,
			OwnerID: ownerID,
		})
		if err != nil {
			return posts, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		posts = append(posts, p)
	}
	return posts, nil
}
