package faceid

import (
	"io"

	"github.com/tphakala/faceid/internal/backbone"
	"github.com/tphakala/faceid/internal/conf"
	"github.com/tphakala/faceid/internal/detector"
	"github.com/tphakala/faceid/internal/identity"
	"github.com/tphakala/faceid/internal/logger"
	"github.com/tphakala/faceid/internal/observability"
	"github.com/tphakala/faceid/internal/observability/metrics"
)

// Open builds a service over the configured database, backbone and face
// detector. The service owns them and closes them in Close.
func Open(settings *conf.Settings, m *observability.Metrics) (*Service, error) {
	log := getLogger()
	var owned []io.Closer
	fail := func(err error) (*Service, error) {
		for i := len(owned) - 1; i >= 0; i-- {
			_ = owned[i].Close()
		}
		return nil, err
	}

	repo, err := identity.Open(&settings.Database)
	if err != nil {
		return fail(err)
	}
	owned = append(owned, repo)

	var recorder metrics.Recorder = metrics.NewNoOpRecorder()
	if m != nil {
		recorder = m.Recognition
	}
	bb, err := backbone.Open(&settings.Backbone, recorder)
	if err != nil {
		return fail(err)
	}
	owned = append(owned, bb)

	det, err := detector.NewPigo(&settings.Recognition.Detector)
	if err != nil {
		return fail(err)
	}

	svc, err := New(settings, Deps{
		Repository: repo,
		Backbone:   bb,
		Detector:   det,
		Metrics:    m,
	})
	if err != nil {
		return fail(err)
	}
	svc.owned = owned

	log.Info("face identification service ready",
		logger.String("backbone", bb.Name()),
		logger.Int("input_size", bb.InputSize()),
		logger.String("database", settings.Database.Type),
		logger.String("model_dir", settings.Storage.ModelDir))
	return svc, nil
}
