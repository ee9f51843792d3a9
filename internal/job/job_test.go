package job

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFolderName_SortsByCreationTime(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 9, 23, 59, 58, 0, time.UTC)
	names := []string{
		FolderName(base.Add(2*time.Second), "0190a"),
		FolderName(base, "ffff"),
		FolderName(base.Add(time.Hour), "0000"),
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	require.Equal(t, "20240309_235958_ffff", sorted[0])
	require.Equal(t, "20240310_000000_0190a", sorted[1])
	require.Equal(t, "20240310_005958_0000", sorted[2])
	for _, n := range names {
		require.True(t, ValidFolderName(n))
	}
	require.False(t, ValidFolderName("../etc"))
}

func TestArchiveFile(t *testing.T) {
	t.Parallel()

	got := ArchiveFile("20240102_030405_abc", time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC))
	require.Equal(t, "archive/2024/01/20240102_030405_abc.tar.gz", got)
}

func TestNew_AppliesDefaults(t *testing.T) {
	t.Parallel()

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	j, err := New(NewParams{
		ID:        "job-1",
		Name:      "catalog",
		CreatedBy: "user-1",
		Config:    Config{StartURLs: []string{" https://example.com "}},
		CreatedAt: created,
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, j.Status)
	require.Equal(t, TypeWeb, j.Type)
	require.Equal(t, "20240501_120000_job-1", j.FolderName)
	require.Equal(t, DefaultMaxPages, j.Config.MaxPages)
	require.Equal(t, DefaultCrawlDepth, j.Config.CrawlDepth)
	require.Equal(t, FormatJSON, j.FileFormat)
	require.Equal(t, []string{"https://example.com"}, j.Config.StartURLs)
	require.Equal(t, []string{"name"}, j.Config.RequiredFields)
	require.Equal(t, 300*time.Second, j.EstimatedDuration())
}

func TestNew_RejectsInvalid(t *testing.T) {
	t.Parallel()

	_, err := New(NewParams{ID: "job-1", Name: "x"})
	require.Error(t, err)
	_, err = New(NewParams{ID: "job-1", Name: "x", Type: "api", Config: Config{StartURLs: []string{"https://a"}}})
	require.Error(t, err)
	_, err = New(NewParams{Name: "x", Config: Config{StartURLs: []string{"https://a"}}})
	require.Error(t, err)
}

func TestClone_IsDeep(t *testing.T) {
	t.Parallel()

	total := 5
	j := Job{
		ID:     "job-1",
		Config: Config{StartURLs: []string{"https://a"}, Headers: map[string]string{"k": "v"}},
		Progress: Progress{
			TotalPages: &total,
		},
		Upload: &UploadResult{URLs: map[string]string{"a": "b"}},
	}
	cp := j.Clone()
	cp.Config.StartURLs[0] = "changed"
	cp.Config.Headers["k"] = "changed"
	*cp.Progress.TotalPages = 9
	cp.Upload.URLs["a"] = "changed"

	require.Equal(t, "https://a", j.Config.StartURLs[0])
	require.Equal(t, "v", j.Config.Headers["k"])
	require.Equal(t, 5, *j.Progress.TotalPages)
	require.Equal(t, "b", j.Upload.URLs["a"])
}

func TestStatsAdd(t *testing.T) {
	t.Parallel()

	var s Stats
	require.True(t, s.Add(StatErrors, 2))
	require.True(t, s.Add(StatBytesDownloaded, 10))
	require.False(t, s.Add(StatField("bogus"), 1))
	require.Equal(t, int64(2), s.Errors)
	require.Equal(t, int64(10), s.BytesDownloaded)
}

func TestRateLimitInterval(t *testing.T) {
	t.Parallel()

	require.Equal(t, 500*time.Millisecond, RateLimit{Requests: 2, Per: "second"}.Interval())
	require.Equal(t, time.Minute/6, RateLimit{Requests: 6, Per: "minute"}.Interval())
	require.Zero(t, RateLimit{}.Interval())
}
