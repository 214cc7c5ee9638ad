package daemon

import (
	"github.com/user/netdiag/internal/model"
	"github.com/user/netdiag/internal/util"
)

// JobSpecsFrom converts configured schedules into job specs. The
// configuration is expected to be validated already.
func JobSpecsFrom(schedules []util.ScheduleConfig) ([]JobSpec, error) {
	specs := make([]JobSpec, 0, len(schedules))
	for _, sc := range schedules {
		kind, err := model.ParseDiagnosticKind(sc.Kind)
		if err != nil {
			return nil, &util.ConfigError{Field: "schedules." + sc.ID + ".kind", Msg: err.Error()}
		}
		specs = append(specs, JobSpec{
			ID:       sc.ID,
			Kind:     kind,
			Target:   sc.Target,
			Interval: sc.Interval,
			Enabled:  sc.IsEnabled(),
		})
	}
	return specs, nil
}
