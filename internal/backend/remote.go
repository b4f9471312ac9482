package backend

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/clinicware/syncd/internal/infrastructure/logging"
	"github.com/clinicware/syncd/internal/infrastructure/resilience"
	"github.com/clinicware/syncd/internal/schema"
	"github.com/clinicware/syncd/internal/shared/types"
)

// RemoteConfig holds the remote relational store endpoint.
type RemoteConfig struct {
	URL     string
	Key     string
	Timeout time.Duration
}

// Remote serves the data contract against the remote relational store's
// REST dialect (PostgREST-style filters, native upsert-on-conflict) with a
// realtime websocket for change subscriptions. Every call runs through a
// circuit breaker so a dead remote fails fast instead of piling up
// timeouts.
type Remote struct {
	cfg     RemoteConfig
	client  *resty.Client
	breaker *resilience.Breaker
	logger  *logging.Logger

	rtMu sync.Mutex
	rt   *Realtime
}

// NewRemote creates the remote backend. Missing credentials are a
// configuration failure surfaced immediately; there is no silent fallback
// to local data.
func NewRemote(cfg RemoteConfig, logger *logging.Logger) (*Remote, error) {
	if cfg.URL == "" || cfg.Key == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = logging.NewDefault()
	}

	client := resty.New().
		SetBaseURL(cfg.URL+"/rest/v1").
		SetHeader("apikey", cfg.Key).
		SetAuthToken(cfg.Key).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout)

	breaker := resilience.New("remote-store", resilience.Settings{
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c resilience.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("remote store breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Remote{cfg: cfg, client: client, breaker: breaker, logger: logger}, nil
}

func (r *Remote) Name() string { return "remote" }

// execRows runs a request expected to return a row array.
func (r *Remote) execRows(op, collection string, do func() (*resty.Response, error)) ([]types.Row, error) {
	out, err := r.breaker.Execute(func() (interface{}, error) {
		resp, err := do()
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("remote status %d: %s", resp.StatusCode(), resp.String())
		}
		var rows []types.Row
		if v, ok := resp.Result().(*[]types.Row); ok && v != nil {
			rows = *v
		}
		return rows, nil
	})
	if err != nil {
		return nil, opErr("remote", op, collection, err)
	}
	rows, _ := out.([]types.Row)
	return rows, nil
}

func (r *Remote) Insert(ctx context.Context, collection string, row types.Row) (types.Row, error) {
	c, err := schema.Resolve(collection)
	if err != nil {
		return nil, opErr("remote", "insert", collection, err)
	}
	norm, err := normalizeRow(c, row)
	if err != nil {
		return nil, opErr("remote", "insert", c.Name, err)
	}
	rows, err := r.execRows("insert", c.Name, func() (*resty.Response, error) {
		return r.client.R().
			SetContext(ctx).
			SetHeader("Prefer", "return=representation").
			SetBody([]types.Row{norm}).
			SetResult(&[]types.Row{}).
			Post("/" + c.Name)
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return norm, nil
	}
	return rows[0], nil
}

func (r *Remote) Upsert(ctx context.Context, collection string, rows []types.Row, conflictKeys []string) ([]types.Row, error) {
	c, err := schema.Resolve(collection)
	if err != nil {
		return nil, opErr("remote", "upsert", collection, err)
	}
	keys, err := resolveKeys(c, conflictKeys)
	if err != nil {
		return nil, opErr("remote", "upsert", c.Name, err)
	}
	norm := make([]types.Row, len(rows))
	for i, row := range rows {
		if norm[i], err = normalizeRow(c, row); err != nil {
			return nil, opErr("remote", "upsert", c.Name, err)
		}
	}
	onConflict := ""
	for i, k := range keys {
		if i > 0 {
			onConflict += ","
		}
		onConflict += k
	}
	return r.execRows("upsert", c.Name, func() (*resty.Response, error) {
		return r.client.R().
			SetContext(ctx).
			SetHeader("Prefer", "resolution=merge-duplicates,return=representation").
			SetQueryParam("on_conflict", onConflict).
			SetBody(norm).
			SetResult(&[]types.Row{}).
			Post("/" + c.Name)
	})
}

func (r *Remote) Update(ctx context.Context, collection string, match types.Filter, patch types.Row) ([]types.Row, error) {
	c, err := schema.Resolve(collection)
	if err != nil {
		return nil, opErr("remote", "update", collection, err)
	}
	norm, err := normalizeRow(c, patch)
	if err != nil {
		return nil, opErr("remote", "update", c.Name, err)
	}
	params, err := filterParams(c, match)
	if err != nil {
		return nil, opErr("remote", "update", c.Name, err)
	}
	return r.execRows("update", c.Name, func() (*resty.Response, error) {
		return r.client.R().
			SetContext(ctx).
			SetHeader("Prefer", "return=representation").
			SetQueryParamsFromValues(params).
			SetBody(norm).
			SetResult(&[]types.Row{}).
			Patch("/" + c.Name)
	})
}

func (r *Remote) Remove(ctx context.Context, collection string, match types.Filter) (int64, error) {
	c, err := schema.Resolve(collection)
	if err != nil {
		return 0, opErr("remote", "remove", collection, err)
	}
	params, err := filterParams(c, match)
	if err != nil {
		return 0, opErr("remote", "remove", c.Name, err)
	}
	rows, err := r.execRows("remove", c.Name, func() (*resty.Response, error) {
		return r.client.R().
			SetContext(ctx).
			SetHeader("Prefer", "return=representation").
			SetQueryParamsFromValues(params).
			SetResult(&[]types.Row{}).
			Delete("/" + c.Name)
	})
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (r *Remote) SelectWhere(ctx context.Context, collection string, filters types.Filter, columns []string) ([]types.Row, error) {
	c, err := schema.Resolve(collection)
	if err != nil {
		return nil, opErr("remote", "select", collection, err)
	}
	params, err := filterParams(c, filters)
	if err != nil {
		return nil, opErr("remote", "select", c.Name, err)
	}
	params.Set("select", selectList(columns))
	return r.execRows("select", c.Name, func() (*resty.Response, error) {
		return r.client.R().
			SetContext(ctx).
			SetQueryParamsFromValues(params).
			SetResult(&[]types.Row{}).
			Get("/" + c.Name)
	})
}

func (r *Remote) SelectRange(ctx context.Context, collection, column string, from, to interface{}, columns []string) ([]types.Row, error) {
	c, err := schema.Resolve(collection)
	if err != nil {
		return nil, opErr("remote", "select_range", collection, err)
	}
	col := schema.NormalizeColumn(column)
	if !c.HasColumn(col) {
		return nil, opErr("remote", "select_range", c.Name, fmt.Errorf("unknown column %q", column))
	}
	params := url.Values{}
	params.Set("select", selectList(columns))
	params.Add(col, fmt.Sprintf("gte.%v", from))
	params.Add(col, fmt.Sprintf("lte.%v", to))
	return r.execRows("select_range", c.Name, func() (*resty.Response, error) {
		return r.client.R().
			SetContext(ctx).
			SetQueryParamsFromValues(params).
			SetResult(&[]types.Row{}).
			Get("/" + c.Name)
	})
}

func (r *Remote) Call(ctx context.Context, proc string, params map[string]interface{}) (interface{}, error) {
	out, err := r.breaker.Execute(func() (interface{}, error) {
		var result interface{}
		resp, err := r.client.R().
			SetContext(ctx).
			SetBody(params).
			SetResult(&result).
			Post("/rpc/" + proc)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("remote status %d: %s", resp.StatusCode(), resp.String())
		}
		return result, nil
	})
	if err != nil {
		return nil, opErr("remote", "call", proc, err)
	}
	return out, nil
}

func (r *Remote) Subscribe(collection string, handler ChangeHandler) (Subscription, error) {
	c, err := schema.Resolve(collection)
	if err != nil {
		return nil, opErr("remote", "subscribe", collection, err)
	}
	rt, err := r.realtime()
	if err != nil {
		return nil, opErr("remote", "subscribe", c.Name, err)
	}
	topic := "realtime:public:" + c.Name
	rt.On(topic, "postgres_changes", func(payload []byte) {
		change, err := decodeChange(c.Name, payload)
		if err != nil {
			r.logger.Warn("discarding malformed change event",
				zap.String("collection", c.Name), zap.Error(err))
			return
		}
		handler(change)
	})
	if err := rt.Join(topic, map[string]interface{}{
		"config": map[string]interface{}{
			"postgres_changes": []map[string]string{
				{"event": "*", "schema": "public", "table": c.Name},
			},
		},
	}); err != nil {
		return nil, opErr("remote", "subscribe", c.Name, err)
	}
	return &remoteSubscription{rt: rt, topic: topic}, nil
}

// Realtime returns the shared push connection, dialing on first use. The
// bus's cross-device transport rides the same connection.
func (r *Remote) Realtime() (*Realtime, error) {
	return r.realtime()
}

func (r *Remote) realtime() (*Realtime, error) {
	r.rtMu.Lock()
	defer r.rtMu.Unlock()
	if r.rt != nil {
		return r.rt, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()
	rt, err := DialRealtime(ctx, r.cfg.URL, r.cfg.Key, r.logger)
	if err != nil {
		return nil, err
	}
	r.rt = rt
	return rt, nil
}

func (r *Remote) Close() error {
	r.rtMu.Lock()
	defer r.rtMu.Unlock()
	if r.rt != nil {
		err := r.rt.Close()
		r.rt = nil
		return err
	}
	return nil
}

type remoteSubscription struct {
	rt    *Realtime
	topic string
	once  sync.Once
}

func (s *remoteSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.rt.Leave(s.topic)
	})
}

func filterParams(c *schema.Collection, match types.Filter) (url.Values, error) {
	params := url.Values{}
	for k, v := range match {
		nk := schema.NormalizeColumn(k)
		if nk != "id" && !c.HasColumn(nk) {
			return nil, fmt.Errorf("unknown filter column %q", k)
		}
		params.Add(nk, fmt.Sprintf("eq.%v", v))
	}
	return params, nil
}

func selectList(columns []string) string {
	if len(columns) == 0 {
		return "*"
	}
	out := ""
	for i, col := range columns {
		if i > 0 {
			out += ","
		}
		out += schema.NormalizeColumn(col)
	}
	return out
}
