package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/editor-tasks/kernel/config"
	"github.com/editor-tasks/kernel/observability"
	"github.com/editor-tasks/kernel/task"
)

// runningMarker is the result of a string-valued process task whose stream
// produced nothing. Retained for compatibility with existing consumers of
// the task results.
const runningMarker = "Process running"

// Spec is the process start specification.
type Spec struct {
	// Program is the executable to run. Extension-less names get the
	// environment's executable extension on Windows hosts.
	Program string

	// Args is the argument vector after argv[0]. Empty means the process is
	// spawned with the program name only.
	Args []string

	// WorkingDirectory overrides the environment's working directory.
	WorkingDirectory string

	// Env is an env-var overlay applied after the environment's own.
	Env map[string]string

	// HideWindow is carried with the spec; the runtime does not read it, so
	// no platform suppresses the console window because of it.
	HideWindow bool
}

// Task wraps an OS process as a task. The zero value is not usable;
// construct with New, then Configure before starting.
//
// Process bodies block a worker for the process lifetime, so tasks default
// to the long-running lane.
//
//	p, err := process.New[string]("git-version", nil, nil)
//	...
//	err = p.Configure(process.Spec{Program: "git", Args: []string{"--version"}}, nil)
//	...
//	_, err = p.Start(mgr)
type Task[T any] struct {
	*task.Task

	env      Environment
	cfg      config.ProcessConfig
	observer observability.Observer

	mu            sync.Mutex
	spec          Spec
	configured    bool
	processor     OutputProcessor[T]
	processorErr  error
	stdin         io.WriteCloser
	cmd           *exec.Cmd
	pid           int
	exitCode      int
	errLines      []string
	stopRequested bool

	detachOnce sync.Once
	detachCh   chan struct{}

	onStartProcess handlerList[func(pid int)]
	onEndProcess   handlerList[func()]
	onOutput       handlerList[func(line string)]
	onErrorData    handlerList[func(line string)]
}

// New creates an unconfigured process task. A nil env uses
// DefaultEnvironment; a nil cfg uses defaults. Additional task options may
// override the long-running affinity default.
func New[T any](name string, env Environment, cfg *config.ProcessConfig, opts ...task.Option) (*Task[T], error) {
	c := config.DefaultProcessConfig()
	if cfg != nil {
		c.Merge(cfg)
	}

	observer, err := observability.GetObserver(c.Observer)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve observer: %w", err)
	}

	if env == nil {
		env = DefaultEnvironment()
	}

	p := &Task[T]{
		env:      env,
		cfg:      c,
		observer: observer,
		exitCode: -1,
		detachCh: make(chan struct{}),
	}

	taskOpts := append([]task.Option{task.WithAffinity(task.LongRunning)}, opts...)
	p.Task = task.NewFunc(name, p.run, taskOpts...)

	return p, nil
}

// Configure sets the start specification and optionally installs an output
// processor. It must be called before the task starts; afterwards it fails
// with a StateError. String-valued tasks left without a processor get a
// StringProcessor at spawn.
func (p *Task[T]) Configure(spec Spec, processor OutputProcessor[T]) error {
	if st := p.Task.State(); st != task.Created {
		return &task.StateError{Op: "Configure", Name: p.Name(), State: st}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.spec = spec
	p.processor = processor
	p.configured = true
	return nil
}

// Detach causes the task to succeed immediately while the OS process keeps
// running. A detached process is never killed, not even on manager shutdown.
func (p *Task[T]) Detach() {
	p.detachOnce.Do(func() { close(p.detachCh) })
}

// Stop requests termination: stdin is closed, and after the configured grace
// period the process is forcefully killed. The task completes Canceled (or
// Faulted when the exit raced a genuine failure).
func (p *Task[T]) Stop() {
	p.terminate()
}

// StandardInput returns the process's stdin writer, valid from OnStart
// through the terminal state. Nil before the process spawned.
func (p *Task[T]) StandardInput() io.WriteCloser {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin
}

// ExitCode returns the process exit code, -1 before the process exited.
func (p *Task[T]) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// PID returns the OS process id, zero before spawn.
func (p *Task[T]) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Errors returns the captured stderr lines.
func (p *Task[T]) Errors() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, len(p.errLines))
	copy(out, p.errLines)
	return out
}

// Result returns the task's typed terminal result.
func (p *Task[T]) Result() (T, error) {
	return task.Result[T](p.Task)
}

// OnStartProcess subscribes fn to the spawn notification, fired after the OS
// reports the pid.
func (p *Task[T]) OnStartProcess(fn func(pid int)) (remove func()) {
	return p.onStartProcess.add(fn)
}

// OnEndProcess subscribes fn to process end: exit or detach. It fires even
// when the task faults.
func (p *Task[T]) OnEndProcess(fn func()) (remove func()) {
	return p.onEndProcess.add(fn)
}

// OnOutput subscribes fn to stdout lines, in stream order.
func (p *Task[T]) OnOutput(fn func(line string)) (remove func()) {
	return p.onOutput.add(fn)
}

// OnErrorData subscribes fn to stderr lines, in stream order.
func (p *Task[T]) OnErrorData(fn func(line string)) (remove func()) {
	return p.onErrorData.add(fn)
}

// run is the task body: spawn, stream, and map the exit to the task outcome.
func (p *Task[T]) run(ctx context.Context) (T, error) {
	var zero T

	p.mu.Lock()
	if !p.configured {
		p.mu.Unlock()
		return zero, &task.StateError{Op: "run unconfigured process task", Name: p.Name(), State: task.Running}
	}
	spec := p.spec
	if p.processor == nil {
		if sp, ok := any(NewStringProcessor()).(OutputProcessor[T]); ok {
			p.processor = sp
		}
	}
	proc := p.processor
	p.mu.Unlock()

	cmd := exec.Command(p.resolveProgram(spec.Program), spec.Args...)
	cmd.Dir = spec.WorkingDirectory
	if cmd.Dir == "" {
		cmd.Dir = p.env.WorkingDirectory()
	}
	cmd.Env = mergeEnv(os.Environ(), p.env.Environment(), spec.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return zero, &ProcessError{Program: spec.Program, ExitCode: -1, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return zero, &ProcessError{Program: spec.Program, ExitCode: -1, Err: err}
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return zero, &ProcessError{Program: spec.Program, ExitCode: -1, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return zero, &ProcessError{Program: spec.Program, ExitCode: -1, Err: err}
	}

	p.mu.Lock()
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.stdin = stdin
	stoppedEarly := p.stopRequested
	p.mu.Unlock()

	// A Stop that arrived before the spawn found no process to kill; finish
	// its sequence now.
	if stoppedEarly {
		_ = stdin.Close()
		go func() {
			timer := time.NewTimer(p.cfg.GracePeriod)
			defer timer.Stop()
			select {
			case <-p.Done():
			case <-timer.C:
				_ = cmd.Process.Kill()
			}
		}()
	}

	p.emit(EventSpawn, observability.LevelInfo, map[string]any{
		"program": spec.Program,
		"pid":     cmd.Process.Pid,
	})
	for _, h := range p.onStartProcess.snapshot() {
		h(cmd.Process.Pid)
	}

	// Root-token or per-task cancellation triggers the stop sequence; a
	// detached process is exempt.
	stopWatch := context.AfterFunc(ctx, p.terminate)
	defer stopWatch()

	g := new(errgroup.Group)
	g.Go(func() error {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(nil, p.cfg.OutputBufferSize)
		for scanner.Scan() {
			line := scanner.Text()
			if proc != nil {
				p.feedLine(proc, line)
			}
			for _, h := range p.onOutput.snapshot() {
				h(line)
			}
		}
		return nil
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(nil, p.cfg.OutputBufferSize)
		for scanner.Scan() {
			line := scanner.Text()
			p.mu.Lock()
			p.errLines = append(p.errLines, line)
			p.mu.Unlock()
			for _, h := range p.onErrorData.snapshot() {
				h(line)
			}
		}
		return nil
	})

	waitCh := make(chan error, 1)
	go func() {
		_ = g.Wait()
		waitCh <- cmd.Wait()
	}()

	select {
	case <-p.detachCh:
		p.emit(EventDetach, observability.LevelInfo, map[string]any{
			"program": spec.Program,
			"pid":     cmd.Process.Pid,
		})
		for _, h := range p.onEndProcess.snapshot() {
			h()
		}
		return p.finalResult(proc), nil

	case werr := <-waitCh:
		exit := -1
		if cmd.ProcessState != nil {
			exit = cmd.ProcessState.ExitCode()
		}

		p.mu.Lock()
		p.exitCode = exit
		stopRequested := p.stopRequested
		procErr := p.processorErr
		errLines := make([]string, len(p.errLines))
		copy(errLines, p.errLines)
		p.mu.Unlock()

		for _, h := range p.onEndProcess.snapshot() {
			h()
		}
		p.emit(EventExit, observability.LevelVerbose, map[string]any{
			"program":   spec.Program,
			"pid":       cmd.Process.Pid,
			"exit_code": exit,
		})

		if p.isDetached() {
			return p.finalResult(proc), nil
		}

		// Our own stop or a cancelled token is cooperative cancellation,
		// whatever the exit code the kill produced.
		if stopRequested || ctx.Err() != nil {
			return zero, fmt.Errorf("%w: process stopped", task.ErrCanceled)
		}

		if exit != 0 {
			return zero, &ProcessError{Program: spec.Program, ExitCode: exit, Errors: errLines, Err: procErr}
		}
		if procErr != nil {
			return zero, &ProcessError{Program: spec.Program, ExitCode: exit, Errors: errLines, Err: procErr}
		}
		if werr != nil {
			return zero, &ProcessError{Program: spec.Program, ExitCode: exit, Errors: errLines, Err: werr}
		}

		return p.finalResult(proc), nil
	}
}

// terminate runs the stop sequence once: close stdin, wait the grace period,
// kill. Detached processes are left alone.
func (p *Task[T]) terminate() {
	if p.isDetached() {
		return
	}

	p.mu.Lock()
	if p.stopRequested {
		p.mu.Unlock()
		return
	}
	p.stopRequested = true
	stdin := p.stdin
	cmd := p.cmd
	grace := p.cfg.GracePeriod
	p.mu.Unlock()

	p.emit(EventStop, observability.LevelInfo, map[string]any{
		"program": p.programName(),
	})

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return
	}

	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()

		select {
		case <-p.Done():
		case <-timer.C:
			_ = cmd.Process.Kill()
		}
	}()
}

func (p *Task[T]) isDetached() bool {
	select {
	case <-p.detachCh:
		return true
	default:
		return false
	}
}

// feedLine guards the output processor: a processor failure is recorded and
// wrapped into the task fault instead of tearing down the reader.
func (p *Task[T]) feedLine(proc OutputProcessor[T], line string) {
	defer func() {
		if r := recover(); r != nil {
			p.mu.Lock()
			if p.processorErr == nil {
				p.processorErr = fmt.Errorf("output processor failed: %v", r)
			}
			p.mu.Unlock()
		}
	}()

	proc.LineReceived(line)
}

// finalResult maps the processor result onto the task result, falling back
// to the running marker for string-valued tasks with no output.
func (p *Task[T]) finalResult(proc OutputProcessor[T]) T {
	if proc != nil {
		if v, ok := proc.Result(); ok {
			return v
		}
	}

	var zero T
	if _, ok := any(zero).(string); ok {
		if v, ok := any(runningMarker).(T); ok {
			return v
		}
	}
	return zero
}

func (p *Task[T]) resolveProgram(program string) string {
	if p.env.IsWindows() && filepath.Ext(program) == "" {
		return program + p.env.ExecutableExtension()
	}
	return program
}

func (p *Task[T]) programName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spec.Program
}

func (p *Task[T]) emit(typ observability.EventType, level observability.Level, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["run_id"] = p.RunID()

	observability.Emit(context.Background(), p.observer, typ, level, p.Name(), data)
}

// mergeEnv overlays maps onto a base environment in "k=v" form; later
// overlays win.
func mergeEnv(base []string, overlays ...map[string]string) []string {
	out := append([]string(nil), base...)
	for _, overlay := range overlays {
		for k, v := range overlay {
			out = append(out, k+"="+v)
		}
	}
	return out
}

// handlerList is an observer list supporting removal during delivery:
// firing snapshots the entries first.
type handlerList[F any] struct {
	mu      sync.Mutex
	next    int64
	entries []handlerEntry[F]
}

type handlerEntry[F any] struct {
	id int64
	fn F
}

func (l *handlerList[F]) add(fn F) (remove func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.next++
	id := l.next
	l.entries = append(l.entries, handlerEntry[F]{id: id, fn: fn})

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, e := range l.entries {
			if e.id == id {
				l.entries = append(l.entries[:i], l.entries[i+1:]...)
				return
			}
		}
	}
}

func (l *handlerList[F]) snapshot() []F {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]F, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.fn
	}
	return out
}
