package provider

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// LocalProvider runs each block as a subprocess of the current
// process, executing cmd/htex-fabric directly. It is the Go analogue
// of parsl's default LocalProvider() and exists only so Start() and
// the documented ScalingFailed path have something concrete to call;
// scale-in/scale-out policy itself remains out of scope.
type LocalProvider struct {
	tasksPerNode int

	mu      sync.Mutex
	running map[string]*exec.Cmd
}

// NewLocalProvider returns a LocalProvider where each block provides
// tasksPerNode worker slots.
func NewLocalProvider(tasksPerNode int) *LocalProvider {
	return &LocalProvider{
		tasksPerNode: tasksPerNode,
		running:      make(map[string]*exec.Cmd),
	}
}

func (p *LocalProvider) TasksPerNode() int {
	return p.tasksPerNode
}

// Submit runs launchCmd (already fully substituted) as a subprocess.
func (p *LocalProvider) Submit(launchCmd string) (string, error) {
	fields := strings.Fields(launchCmd)
	if len(fields) == 0 {
		return "", fmt.Errorf("provider: empty launch command")
	}
	cmd := exec.Command(fields[0], fields[1:]...)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("provider: failed to launch block: %w", err)
	}

	blockID := uuid.NewString()
	p.mu.Lock()
	p.running[blockID] = cmd
	p.mu.Unlock()
	return blockID, nil
}

// Cancel kills the subprocess backing each given blockID.
func (p *LocalProvider) Cancel(blockIDs []string) ([]string, error) {
	var cancelled []string
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range blockIDs {
		cmd, ok := p.running[id]
		if !ok {
			continue
		}
		_ = cmd.Process.Kill()
		delete(p.running, id)
		cancelled = append(cancelled, id)
	}
	return cancelled, nil
}
