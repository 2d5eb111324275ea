// Package trainer is the bundled sample job. It fits a toy loss curve from
// lr and epochs and logs results, per-epoch metrics and a loss chart.
package trainer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/animus-labs/animus-runs/internal/artifacts"
	"github.com/animus-labs/animus-runs/internal/domain"
	"github.com/animus-labs/animus-runs/internal/execution/runctx"
)

// Name is the handler name the job is registered under.
const Name = "trainer"

func Train(ctx context.Context, rc *runctx.Context) error {
	lr, err := number(rc.GetParam(ctx, "lr", 0.1))
	if err != nil {
		return err
	}
	epochs, err := number(rc.GetParam(ctx, "epochs", 3))
	if err != nil {
		return err
	}
	if lr <= 0 || epochs < 1 {
		return domain.Validationf("lr must be positive and epochs at least 1 (lr=%v epochs=%v)", lr, epochs)
	}
	if fail, _ := rc.GetParam(ctx, "fail", false).(bool); fail {
		return fmt.Errorf("training diverged at lr=%v", lr)
	}

	chart := artifacts.NewChart("loss", []string{"epoch", "loss"}, nil, nil)
	loss := 1.0
	for epoch := 1; epoch <= int(epochs); epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		loss *= math.Exp(-lr)
		chart.AddRow(epoch, round(loss))
		rc.LogMetric(ctx, "loss", loss, time.Now(), map[string]string{"epoch": fmt.Sprint(epoch)})
	}
	rc.Logger().Info("training finished", "run_id", rc.UID(), "iteration", rc.Iteration(), "loss", loss)

	if err := rc.LogResults(ctx, map[string]any{
		"loss":     round(loss),
		"accuracy": round(1 - loss),
	}); err != nil {
		return err
	}
	if _, err := rc.LogArtifactItem(ctx, chart); err != nil {
		return err
	}
	return nil
}

func number(v any) (float64, error) {
	switch t := v.(type) {
	case int:
		return float64(t), nil
	case float64:
		return t, nil
	default:
		return 0, domain.Validationf("expected a number, got %T", v)
	}
}

func round(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
