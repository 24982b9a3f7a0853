package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kpauljoseph/merkwerk/pkg/logger"
)

const (
	DefaultReleaseURL = "https://api.github.com/repos/kpauljoseph/merkwerk/releases/latest"
	userAgent         = "merkwerk-updater"
)

type Release struct {
	TagName    string `json:"tag_name"`
	Body       string `json:"body"`
	HTMLURL    string `json:"html_url"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

type UpdateInfo struct {
	CurrentVersion string
	LatestVersion  string
	ReleaseNotes   string
	DownloadURL    string
	IsAvailable    bool
}

// Checker asks the release endpoint whether a newer build exists.
type Checker struct {
	releaseURL string
	client     *http.Client
	logger     *logger.Logger
}

func NewChecker(releaseURL string, log *logger.Logger) *Checker {
	if releaseURL == "" {
		releaseURL = DefaultReleaseURL
	}
	return &Checker{
		releaseURL: releaseURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     log,
	}
}

func (c *Checker) Check(ctx context.Context, current string) (*UpdateInfo, error) {
	c.logger.Debug("Checking for updates at %s", c.releaseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.releaseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release endpoint returned status %d", resp.StatusCode)
	}

	var release Release
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, fmt.Errorf("failed to decode release: %w", err)
	}

	currentVersion := strings.TrimPrefix(current, "v")
	latestVersion := strings.TrimPrefix(release.TagName, "v")
	return &UpdateInfo{
		CurrentVersion: currentVersion,
		LatestVersion:  latestVersion,
		ReleaseNotes:   release.Body,
		DownloadURL:    release.HTMLURL,
		IsAvailable:    !release.Draft && !release.Prerelease && CompareVersions(currentVersion, latestVersion) < 0,
	}, nil
}

// CompareVersions compares dotted versions numerically and returns -1, 0
// or 1. Missing parts count as zero. A non-numeric part, as in an unstamped
// development build, sorts before any number.
func CompareVersions(v1, v2 string) int {
	parts1 := strings.Split(strings.TrimPrefix(v1, "v"), ".")
	parts2 := strings.Split(strings.TrimPrefix(v2, "v"), ".")

	for i := 0; i < len(parts1) || i < len(parts2); i++ {
		a, b := "0", "0"
		if i < len(parts1) {
			a = parts1[i]
		}
		if i < len(parts2) {
			b = parts2[i]
		}
		if c := comparePart(a, b); c != 0 {
			return c
		}
	}
	return 0
}

func comparePart(a, b string) int {
	x, errA := strconv.Atoi(a)
	y, errB := strconv.Atoi(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}
