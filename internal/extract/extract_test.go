package extract

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-orchestrator/internal/job"
)

type stubCapability struct{}

func (stubCapability) DiscoverCategories(context.Context, job.Config, string) (Discovery, error) {
	return Discovery{}, nil
}

func (stubCapability) CollectItemURLs(context.Context, job.Config, Link) (Collection, error) {
	return Collection{}, nil
}

func (stubCapability) ExtractItem(context.Context, job.Config, string) (Item, error) {
	return Item{}, nil
}

func (stubCapability) ExtractDocuments(context.Context, job.Config, string) ([]Link, error) {
	return nil, nil
}

func (stubCapability) FetchDocument(context.Context, job.Config, Link) (Document, error) {
	return Document{}, nil
}

func TestRegistryLookup(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("web", stubCapability{})
	r.Register("acme", stubCapability{})

	_, err := r.Lookup("web")
	require.NoError(t, err)
	_, err = r.Lookup("missing")
	require.ErrorIs(t, err, ErrUnknownClient)
	require.Equal(t, []string{"acme", "web"}, r.Keys())
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	require.True(t, Retryable(errors.New("connection reset")))
	require.False(t, Retryable(nil))
	require.False(t, Retryable(Permanent(errors.New("not found"))))
	require.False(t, Retryable(fmt.Errorf("wrapped: %w", Permanent(errors.New("blocked")))))
	require.False(t, Retryable(&MissingFieldError{Unit: "https://a", Field: "price"}))
	require.Nil(t, Permanent(nil))
	require.Contains(t, (&MissingFieldError{Unit: "https://a", Field: "price"}).Error(), `"price"`)
}
