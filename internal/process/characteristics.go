package process

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	gprocess "github.com/shirou/gopsutil/v4/process"

	"github.com/pxs-lab/experimenter/internal/model"
)

// characteristics describes the run for the settings record. Collection is
// best effort, failures are reported as warnings.
func (p *Process) characteristics(ctx context.Context, runID string) map[string]any {
	now := time.Now()
	ret := map[string]any{
		"date":     now.Format("2006/01/02 15:04:05"),
		"date_iso": now.Format(time.RFC3339Nano),
		"run_id":   runID,
		"params":   p.params,
	}

	system, sysErr := systemInfo(ctx)
	ret["system"] = system
	self, selfErr := selfInfo(ctx)
	ret["process"] = self

	for _, m := range p.monitors {
		maps.Copy(ret, m.Settings())
	}
	maps.Copy(ret, p.unit.Settings())

	if err := errors.Join(sysErr, selfErr); err != nil {
		p.Emit(model.LevelWarning, "Collecting properties of process failed, not all included.")
		p.Emit(model.LevelWarning, err.Error())
		p.logger.WarnContext(ctx, "collecting characteristics", "error", err)
	}
	return ret
}

func systemInfo(ctx context.Context) (map[string]any, error) {
	var errs []error
	ret := map[string]any{
		"machine": runtime.GOARCH,
		"system":  runtime.GOOS,
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		ret["nodename"] = info.Hostname
		ret["platform"] = fmt.Sprintf("%s-%s-%s", info.OS, info.KernelVersion, info.KernelArch)
		ret["version"] = info.PlatformVersion
		ret["distribution"] = info.Platform
	} else {
		errs = append(errs, fmt.Errorf("host info: %w", err))
	}

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		ret["processor"] = infos[0].ModelName
	} else if err != nil {
		errs = append(errs, fmt.Errorf("cpu info: %w", err))
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		ret["cpu_count"] = n
	} else {
		errs = append(errs, fmt.Errorf("cpu count: %w", err))
	}
	if times, err := cpu.TimesWithContext(ctx, false); err == nil && len(times) > 0 {
		ret["cpu_times"] = map[string]any{
			"user":   times[0].User,
			"system": times[0].System,
			"idle":   times[0].Idle,
			"nice":   times[0].Nice,
		}
	} else if err != nil {
		errs = append(errs, fmt.Errorf("cpu times: %w", err))
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		ret["cpu_percent"] = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		ret["virtual_memory"] = map[string]any{
			"total":     vm.Total,
			"available": vm.Available,
			"percent":   vm.UsedPercent,
			"used":      vm.Used,
			"free":      vm.Free,
		}
	} else {
		errs = append(errs, fmt.Errorf("virtual memory: %w", err))
	}
	return ret, errors.Join(errs...)
}

func selfInfo(ctx context.Context) (map[string]any, error) {
	ret := map[string]any{}
	self, err := gprocess.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return ret, fmt.Errorf("current process: %w", err)
	}
	var errs []error
	if user, err := self.UsernameWithContext(ctx); err == nil {
		ret["username"] = user
	} else {
		errs = append(errs, fmt.Errorf("username: %w", err))
	}
	if cwd, err := os.Getwd(); err == nil {
		ret["cwd"] = cwd
	} else {
		errs = append(errs, fmt.Errorf("cwd: %w", err))
	}
	if created, err := self.CreateTimeWithContext(ctx); err == nil {
		ret["create_time"] = float64(created) / 1000
	} else {
		errs = append(errs, fmt.Errorf("create time: %w", err))
	}
	if times, err := self.TimesWithContext(ctx); err == nil {
		ret["cpu_times"] = map[string]any{
			"user":   times.User,
			"system": times.System,
		}
	} else {
		errs = append(errs, fmt.Errorf("cpu times: %w", err))
	}
	return ret, errors.Join(errs...)
}
