package vsock

import (
	"time"

	"github.com/ionvm/substrate/pkg/hypervisor"
)

// Adapter bridges a *Channel to hypervisor.Channel, translating between
// the wire envelopes above and the task/result shapes the Hypervisor
// Manager deals in. Kept in this package rather than hypervisor so the
// manager has no import dependency on the concrete VSOCK transport
// (hypervisor/providers.go documents Channel as the consumer-side seam).
type Adapter struct {
	ch *Channel
}

// Wrap adapts ch for use as a hypervisor.Channel.
func Wrap(ch *Channel) *Adapter {
	return &Adapter{ch: ch}
}

func (a *Adapter) Send(task hypervisor.Task) (string, error) {
	return a.ch.Send(TaskEnvelope{
		Command: task.Command,
		Args:    task.Args,
		Env:     task.Env,
		Timeout: task.Timeout,
	})
}

func (a *Adapter) Receive(taskID string, timeout time.Duration) (hypervisor.TaskResult, error) {
	r, err := a.ch.Receive(taskID, timeout)
	if err != nil {
		return hypervisor.TaskResult{}, err
	}
	return hypervisor.TaskResult{
		ExitCode: r.ExitCode,
		Stdout:   r.Stdout,
		Stderr:   r.Stderr,
		Duration: r.Duration,
	}, nil
}

func (a *Adapter) IsConnected() bool { return a.ch.IsConnected() }
func (a *Adapter) Close() error      { return a.ch.Close() }
