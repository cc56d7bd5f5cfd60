// Package earthquake watches the Central Weather Administration open data
// feed for the latest felt-earthquake report.
package earthquake

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/text/unicode/norm"

	"watchbot/internal/sources/httpx"
	"watchbot/internal/storage"
	"watchbot/internal/watcher"
)

const (
	DefaultURL       = "https://opendata.cwa.gov.tw/api/v1/rest/datastore/E-A0015-001"
	DefaultAPIKeyEnv = "CWA_API_KEY"
	DefaultTemplate  = `🌏 地震速報 ({{default "綠色" .color}})
{{.content}}
震央：{{.location}}
深度：{{.depth}} km
{{.magnitude_type}}：{{.magnitude}}
{{.web}}
來源: 中央氣象署 | 編號 {{.identity}}`
)

type Options struct {
	URL string `json:"url,omitempty"`
	// APIKeyEnv names the environment variable holding the authorization key.
	APIKeyEnv string `json:"api_key_env,omitempty"`
	// Areas restricts notifications to epicenters whose location mentions one
	// of these names. Empty means everywhere.
	Areas []string `json:"areas,omitempty"`
}

// Report is the subset of an E-A0015-001 record the watcher uses.
type Report struct {
	EarthquakeNo   json.Number `json:"EarthquakeNo"`
	ReportColor    string      `json:"ReportColor"`
	ReportContent  string      `json:"ReportContent"`
	ReportImageURI string      `json:"ReportImageURI"`
	Web            string      `json:"Web"`
	EarthquakeInfo struct {
		OriginTime string      `json:"OriginTime"`
		FocalDepth json.Number `json:"FocalDepth"`
		Epicenter  struct {
			Location string `json:"Location"`
		} `json:"Epicenter"`
		EarthquakeMagnitude struct {
			MagnitudeType  string      `json:"MagnitudeType"`
			MagnitudeValue json.Number `json:"MagnitudeValue"`
		} `json:"EarthquakeMagnitude"`
	} `json:"EarthquakeInfo"`
}

type response struct {
	Success json.RawMessage `json:"success"`
	Records struct {
		Earthquake []Report `json:"Earthquake"`
	} `json:"records"`
}

type Fetcher struct {
	url    string
	apiKey string
	areas  []string
	client *http.Client
}

// New builds a fetcher. getenv resolves the API key; a missing key is a
// configuration error.
func New(opts Options, client *http.Client, getenv func(string) string) (*Fetcher, error) {
	u := strings.TrimSpace(opts.URL)
	if u == "" {
		u = DefaultURL
	}
	env := strings.TrimSpace(opts.APIKeyEnv)
	if env == "" {
		env = DefaultAPIKeyEnv
	}
	key := strings.TrimSpace(getenv(env))
	if key == "" {
		return nil, fmt.Errorf("earthquake: environment variable %s is not set", env)
	}
	if client == nil {
		client = httpx.NewClient()
	}
	areas := make([]string, 0, len(opts.Areas))
	for _, a := range opts.Areas {
		if a = normalizeArea(a); a != "" {
			areas = append(areas, a)
		}
	}
	return &Fetcher{url: u, apiKey: key, areas: areas, client: client}, nil
}

func (f *Fetcher) Fetch(ctx context.Context, _ storage.WatchState) (watcher.Snapshot, error) {
	h := http.Header{}
	h.Set("Authorization", f.apiKey)
	h.Set("Accept", "application/json")
	body, _, err := httpx.Get(ctx, f.client, f.url, h)
	if err != nil {
		return watcher.Snapshot{}, err
	}

	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return watcher.Snapshot{}, fmt.Errorf("earthquake: decode: %w", err)
	}
	if len(resp.Records.Earthquake) == 0 {
		return watcher.Snapshot{}, fmt.Errorf("%w: earthquake list is empty", watcher.ErrNoSnapshot)
	}
	r := resp.Records.Earthquake[0]
	if r.EarthquakeNo.String() == "" {
		return watcher.Snapshot{}, fmt.Errorf("earthquake: latest report has no EarthquakeNo")
	}

	loc := norm.NFC.String(strings.TrimSpace(r.EarthquakeInfo.Epicenter.Location))
	if !f.inAreas(loc) {
		return watcher.Snapshot{}, fmt.Errorf("%w: epicenter %q outside configured areas", watcher.ErrNoSnapshot, loc)
	}

	return watcher.Snapshot{
		Identity: r.EarthquakeNo.String(),
		Payload: map[string]any{
			"color":          r.ReportColor,
			"content":        norm.NFC.String(r.ReportContent),
			"web":            r.Web,
			"image":          r.ReportImageURI,
			"origin_time":    r.EarthquakeInfo.OriginTime,
			"location":       loc,
			"depth":          r.EarthquakeInfo.FocalDepth.String(),
			"magnitude_type": r.EarthquakeInfo.EarthquakeMagnitude.MagnitudeType,
			"magnitude":      r.EarthquakeInfo.EarthquakeMagnitude.MagnitudeValue.String(),
		},
	}, nil
}

func (f *Fetcher) inAreas(location string) bool {
	if len(f.areas) == 0 {
		return true
	}
	loc := normalizeArea(location)
	for _, a := range f.areas {
		if strings.Contains(loc, a) {
			return true
		}
	}
	return false
}

// normalizeArea folds the common 台/臺 variants so "台中" matches "臺中市".
func normalizeArea(s string) string {
	return strings.ReplaceAll(norm.NFC.String(strings.TrimSpace(s)), "台", "臺")
}
