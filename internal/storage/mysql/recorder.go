package mysql

import (
	"context"

	"WAMP-Orchestrator/pkg/plugin"
)

// Recorder 把执行器产生的每个结果写入登记簿。
type Recorder struct {
	repo RegistrationRepository
}

// NewRecorder 包装一个登记簿。
func NewRecorder(repo RegistrationRepository) *Recorder {
	return &Recorder{repo: repo}
}

// Record 实现 plugin.Recorder。
func (r *Recorder) Record(ctx context.Context, rec plugin.Record) error {
	return r.repo.Save(ctx, recordOf(rec))
}

func recordOf(rec plugin.Record) RegistrationRecord {
	out := RegistrationRecord{
		Plugin:         rec.Plugin,
		Session:        uint64(rec.Session),
		Kind:           string(rec.Outcome.Request.Kind),
		URI:            rec.Outcome.Request.URI,
		Match:          string(rec.Outcome.Request.Match.OrExact()),
		Status:         string(rec.Outcome.Status),
		RegistrationID: uint64(rec.Outcome.ID),
		CreatedAt:      rec.At.Unix(),
	}
	if rec.Outcome.Err != nil {
		out.Error = rec.Outcome.Err.Error()
	}
	return out
}
