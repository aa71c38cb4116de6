package vm_test

import (
	"strings"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/pkg/errors"

	"code.dopame.me/veonik/klaver/vm"
)

func TestVM_Restart(t *testing.T) {
	v, err := vm.New(vm.NewRegistry("."))
	if err != nil {
		t.Errorf("failed to create v: %s", err)
		return
	}
	if err := v.Start(); err != nil {
		t.Errorf("failed to start v: %s", err)
		return
	}
	res, err := v.RunString("10 + 5").Await()
	if err != nil {
		t.Errorf("error evaluating string: %s", err)
		return
	}
	if ri := res.ToInteger(); ri != 15 {
		t.Errorf("expected expression to result in 15, got %d", ri)
		return
	}
	time.Sleep(10 * time.Millisecond)
	if err := v.Shutdown(); err != nil {
		t.Errorf("failed to shutdown v: %s", err)
		return
	}
	time.Sleep(10 * time.Millisecond)
	if err := v.Start(); err != nil {
		t.Errorf("failed to start v: %s", err)
		return
	}
	res, err = v.RunString("15 + 10").Await()
	if err != nil {
		t.Errorf("error evaluating string: %s", err)
		return
	}
	if ri := res.ToInteger(); ri != 25 {
		t.Errorf("expected expression to result in 25, got %d", ri)
		return
	}
	time.Sleep(10 * time.Millisecond)
	if err := v.Shutdown(); err != nil {
		t.Errorf("failed to shutdown v: %s", err)
		return
	}
}

func TestVM_Shutdown_interrupts(t *testing.T) {
	v, err := vm.New(vm.NewRegistry("."))
	if err != nil {
		t.Errorf("failed to create v: %s", err)
		return
	}
	if err := v.Start(); err != nil {
		t.Errorf("failed to start v: %s", err)
		return
	}
	res := v.RunString("for (;;) {}")
	err = v.Shutdown()
	if err != nil {
		t.Errorf("error shutting down: %s", err)
		return
	}
	_, err = res.Await()
	if err == nil {
		t.Errorf("expected error to exist, got nil")
		return
	}
	expect := "vm is shutting down"
	if !strings.Contains(err.Error(), expect) {
		t.Errorf("expected error to contain '%s'\ngot: %s", expect, err)
	}
}

func startVM(t *testing.T) *vm.VM {
	t.Helper()
	v, err := vm.New(vm.NewRegistry("testdata"))
	if err != nil {
		t.Fatalf("failed to create vm: %s", err)
	}
	if err := v.Start(); err != nil {
		t.Fatalf("failed to start vm: %s", err)
	}
	t.Cleanup(func() {
		_ = v.Shutdown()
	})
	return v
}

func TestVM_Shutdown_notStarted(t *testing.T) {
	v, err := vm.New(vm.NewRegistry("."))
	if err != nil {
		t.Fatalf("failed to create vm: %s", err)
	}
	if err := v.Shutdown(); err == nil {
		t.Errorf("expected error shutting down a vm that was never started")
	}
	if v.Done() != nil {
		t.Errorf("expected nil Done channel before start")
	}
}

func TestVM_Do_afterShutdown(t *testing.T) {
	v := startVM(t)
	done := v.Done()
	if err := v.Shutdown(); err != nil {
		t.Fatalf("failed to shutdown vm: %s", err)
	}
	select {
	case <-done:
	default:
		t.Errorf("expected Done to be closed after Shutdown")
	}
	ran := make(chan struct{})
	returned := make(chan struct{})
	go func() {
		v.Do(func(*goja.Runtime) { close(ran) })
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatalf("expected Do to return while the vm is stopped")
	}
	select {
	case <-ran:
		t.Errorf("expected job to be dropped")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestVM_timers(t *testing.T) {
	v := startVM(t)
	res, err := v.RunString(`
new Promise(function(resolve) {
  var calls = [];
  var never = setTimeout(function() { calls.push("never"); }, 5);
  clearTimeout(never);
  clearTimeout(undefined);
  var n = 0;
  var iv = setInterval(function() {
    n++;
    if (n === 3) {
      clearInterval(iv);
      calls.push("interval");
    }
  }, 1);
  setImmediate(function() { calls.push("immediate"); });
  setTimeout(function() { resolve(calls.sort().join(",")); }, 50);
});`).Await()
	if err != nil {
		t.Fatalf("failed to run script: %s", err)
	}
	if res.String() != "immediate,interval" {
		t.Errorf("expected: immediate,interval\ngot: %s", res.String())
	}
}

func TestVM_requirePackage(t *testing.T) {
	v := startVM(t)
	res, err := v.RunString(`require("greeter")("world")`).Await()
	if err != nil {
		t.Fatalf("failed to run script: %s", err)
	}
	if res.String() != "hello, world!" {
		t.Errorf("expected: hello, world!\ngot: %s", res.String())
	}
}

func TestVM_nativeModule(t *testing.T) {
	v := startVM(t)
	evals := 0
	v.Do(func(*goja.Runtime) {
		v.SetModule(&vm.Module{Name: "@test/answer", Native: func(r *goja.Runtime) goja.Value {
			evals++
			o := r.NewObject()
			_ = o.Set("answer", 42)
			return o
		}})
	})
	res, err := v.RunString(`require("@test/answer").answer + require("@test/answer").answer`).Await()
	if err != nil {
		t.Fatalf("failed to run script: %s", err)
	}
	if res.ToInteger() != 84 {
		t.Errorf("expected: 84\ngot: %s", res.String())
	}
	if evals != 1 {
		t.Errorf("expected native module to be evaluated once, got %d", evals)
	}
}

func TestDeferred(t *testing.T) {
	v := startVM(t)
	type ds struct{ ok, fail *vm.Deferred }
	got := make(chan ds, 1)
	v.Do(func(r *goja.Runtime) {
		ok := v.NewDeferred(r)
		fail := v.NewDeferred(r)
		_ = r.Set("ok", ok.Promise)
		_ = r.Set("fail", fail.Promise)
		got <- ds{ok, fail}
	})
	d := <-got
	go d.ok.Resolve("resolved from go")
	go d.fail.Reject(errors.New("rejected from go"))
	res, err := v.RunString(`ok`).Await()
	if err != nil {
		t.Fatalf("expected ok to resolve: %s", err)
	}
	if res.String() != "resolved from go" {
		t.Errorf("expected: resolved from go\ngot: %s", res.String())
	}
	_, err = v.RunString(`fail`).Await()
	if err == nil || err.Error() != "rejected from go" {
		t.Errorf("expected: rejected from go\ngot: %v", err)
	}

	// only the first settlement counts
	d.ok.Reject(errors.New("too late"))
	res, err = v.RunString(`ok`).Await()
	if err != nil || res.String() != "resolved from go" {
		t.Errorf("expected promise to stay resolved, got %v %v", res, err)
	}
}
