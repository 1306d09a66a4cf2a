// Package proctree inspects and terminates operating system process trees.
//
// All functions are best effort: processes come and go while a tree is
// walked, so a vanished process is never reported as an error.
package proctree

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/shirou/gopsutil/v4/process"
)

// Descendants returns every live descendant of pid, parents before children.
// The root itself is not part of the result.
func Descendants(ctx context.Context, pid int) ([]*process.Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	children := make(map[int32][]*process.Process, len(procs))
	for _, p := range procs {
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue
		}
		children[ppid] = append(children[ppid], p)
	}

	var ret []*process.Process
	seen := map[int32]bool{int32(pid): true}
	queue := []int32{int32(pid)}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for _, c := range children[parent] {
			if seen[c.Pid] {
				continue
			}
			seen[c.Pid] = true
			ret = append(ret, c)
			queue = append(queue, c.Pid)
		}
	}
	return ret, nil
}

// Tree returns the root process followed by its descendants.
func Tree(ctx context.Context, pid int) ([]*process.Process, error) {
	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, err
	}
	desc, err := Descendants(ctx, pid)
	if err != nil {
		return []*process.Process{root}, err
	}
	return append([]*process.Process{root}, desc...), nil
}

// Alive reports whether p still runs. Zombies are reported as gone.
func Alive(ctx context.Context, p *process.Process) bool {
	exists, err := process.PidExistsWithContext(ctx, p.Pid)
	if err != nil || !exists {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return !errors.Is(err, process.ErrorProcessNotRunning)
	}
	return !slices.Contains(status, process.Zombie)
}
