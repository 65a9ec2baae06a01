package repository

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/qcflow/internal/model"
)

// dedupTimeout bounds a shared retrieval.
const dedupTimeout = 30 * time.Second

// Dedup wraps a repository so that identical concurrent retrievals share
// one backend query. Every caller still receives its own copy.
type Dedup struct {
	Repository
	group singleflight.Group
}

// NewDedup wraps r.
func NewDedup(r Repository) *Dedup {
	if d, ok := r.(*Dedup); ok {
		return d
	}
	return &Dedup{Repository: r}
}

// RetrieveMO implements Repository.
func (d *Dedup) RetrieveMO(ctx context.Context, path, name string, timestamp int64, activity model.Activity) (*model.MonitorObject, error) {
	key := fmt.Sprintf("MO|%s/%s|%d|%d|%d|%s|%s", path, name, timestamp, activity.ID, activity.Type, activity.PeriodName, activity.PassName)
	v, err, shared := d.group.Do(key, func() (any, error) {
		// The first caller's cancellation must not fail the waiters.
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dedupTimeout)
		defer cancel()
		return d.Repository.RetrieveMO(qctx, path, name, timestamp, activity)
	})
	if err != nil {
		return nil, err
	}
	mo := v.(*model.MonitorObject)
	if shared {
		mo = mo.Snapshot()
	}
	return mo, nil
}

// RetrieveQO implements Repository.
func (d *Dedup) RetrieveQO(ctx context.Context, path string, timestamp int64, activity model.Activity) (*model.QualityObject, error) {
	key := fmt.Sprintf("QO|%s|%d|%d|%d|%s|%s", path, timestamp, activity.ID, activity.Type, activity.PeriodName, activity.PassName)
	v, err, shared := d.group.Do(key, func() (any, error) {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dedupTimeout)
		defer cancel()
		return d.Repository.RetrieveQO(qctx, path, timestamp, activity)
	})
	if err != nil {
		return nil, err
	}
	qo := v.(*model.QualityObject)
	if shared {
		c := *qo
		c.Quality = qo.Quality.Clone()
		c.MonitorObjectNames = append([]string(nil), qo.MonitorObjectNames...)
		qo = &c
	}
	return qo, nil
}
