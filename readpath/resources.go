package readpath

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/wolfeidau/upload-gateway/store"
	"github.com/wolfeidau/upload-gateway/store/docstore"
)

// Collections and keys holding read-path data.
const (
	CompanyCollection = "company"
	CompanyKey        = "profile"
	TeamCollection    = "team"
)

// Cache windows per resource.
const (
	CompanyTTL = 600 * time.Second
	TeamTTL    = 30 * time.Second

	// TeamLimit caps the roster query.
	TeamLimit = 100
)

// ErrUnknownResource is returned by Resources.Load for unregistered names.
var ErrUnknownResource = errors.New("unknown resource")

// Response is a Result with its data erased, ready for encoding.
type Response struct {
	Data     any    `json:"data"`
	Source   string `json:"source"`
	Cached   bool   `json:"cached"`
	Fallback bool   `json:"fallback"`
}

func toResponse[V any](r Result[V]) Response {
	return Response{Data: r.Data, Source: r.Source, Cached: r.Cached, Fallback: r.Fallback}
}

// ResourcesConfig configures the built-in resources.
type ResourcesConfig struct {
	Defaults    *Defaults
	Timeout     time.Duration
	FallbackTTL time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// Resources holds the loaders behind GET /cache/{resource}.
type Resources struct {
	records *store.Records
	company *Loader[json.RawMessage]
	team    *Loader[[]json.RawMessage]
	loaders map[string]func(ctx context.Context) Response
}

// NewResources registers the company profile and team roster resources.
func NewResources(records *store.Records, cfg ResourcesConfig) (*Resources, error) {
	defaults := cfg.Defaults
	if defaults == nil {
		defaults = BuiltinDefaults()
	}

	companyDefault, err := json.Marshal(defaults.Company)
	if err != nil {
		return nil, fmt.Errorf("encoding company defaults: %w", err)
	}
	teamDefault := make([]json.RawMessage, 0, len(defaults.Team))
	for _, member := range defaults.Team {
		raw, err := json.Marshal(member)
		if err != nil {
			return nil, fmt.Errorf("encoding team defaults: %w", err)
		}
		teamDefault = append(teamDefault, raw)
	}

	r := &Resources{records: records}

	r.company = NewLoader(Config[json.RawMessage]{
		Name:        "company",
		TTL:         CompanyTTL,
		Fetch:       r.fetchCompany,
		Default:     func(string) (json.RawMessage, bool) { return companyDefault, true },
		Timeout:     cfg.Timeout,
		FallbackTTL: cfg.FallbackTTL,
		Logger:      cfg.Logger,
		Now:         cfg.Now,
	})
	r.team = NewLoader(Config[[]json.RawMessage]{
		Name:        "team",
		TTL:         TeamTTL,
		Fetch:       r.fetchTeam,
		Default:     func(string) ([]json.RawMessage, bool) { return teamDefault, true },
		Timeout:     cfg.Timeout,
		FallbackTTL: cfg.FallbackTTL,
		Logger:      cfg.Logger,
		Now:         cfg.Now,
	})

	r.loaders = map[string]func(ctx context.Context) Response{
		"company": func(ctx context.Context) Response { return toResponse(r.company.Load(ctx, CompanyKey)) },
		"team":    func(ctx context.Context) Response { return toResponse(r.team.Load(ctx, "active")) },
	}
	return r, nil
}

// Load serves the named resource.
func (r *Resources) Load(ctx context.Context, name string) (Response, error) {
	fn, ok := r.loaders[name]
	if !ok {
		return Response{}, fmt.Errorf("%w: %s", ErrUnknownResource, name)
	}
	return fn(ctx), nil
}

// Names lists the registered resources in sorted order.
func (r *Resources) Names() []string {
	names := make([]string, 0, len(r.loaders))
	for name := range r.loaders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Resources) fetchCompany(ctx context.Context, key string) (json.RawMessage, error) {
	return r.records.GetDocument(ctx, CompanyCollection, key)
}

func (r *Resources) fetchTeam(ctx context.Context, _ string) ([]json.RawMessage, error) {
	return r.records.QueryDocuments(ctx, TeamCollection, docstore.Query{
		Field:   "active",
		Equals:  "true",
		OrderBy: "name",
		Limit:   TeamLimit,
	})
}
