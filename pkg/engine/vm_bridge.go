package engine

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Function is a host-implemented callable. args are borrowed handles owned by
// ctx; they are valid only during the call. Returning Abort stops the running
// script with CodeAbort.
type Function func(ctx *CallContext, args []Handle) Status

type foreign struct {
	name     string
	fn       Function
	userData uintptr
}

// CallContext is the ownership domain of one foreign call. Handles minted
// through it are released through it; whatever is left when the call returns
// is reclaimed by the engine and counted as leaked.
//
// OWNERSHIP: does not outlive the call. Keeping a CallContext after the
// Function returned and using it yields lifecycle errors.
type CallContext struct {
	scope

	vm       *VM
	fn       *foreign
	result   *Value
	hasValue bool
}

func (c *CallContext) UserData() uintptr { return c.fn.userData }

func (c *CallContext) FunctionName() string { return c.fn.name }

// SetResult copies the value behind h into the call result. The caller keeps
// ownership of h.
func (c *CallContext) SetResult(h Handle) error {
	v, err := c.mutable("result_value", h)
	if err != nil {
		return err
	}
	c.result = v.Copy()
	c.hasValue = true
	return nil
}

// CreateFunction installs fn under name for this VM. An existing foreign
// function of the same name is replaced. Foreign functions shadow builtins.
func (vm *VM) CreateFunction(name string, fn Function, userData uintptr) error {
	if err := vm.alive("create_function"); err != nil {
		return err
	}
	if fn == nil || !validName(name) {
		return newError(CodeInvalid, "create_function", "invalid foreign function %q", name)
	}
	vm.funcs[name] = &foreign{name: name, fn: fn, userData: userData}
	return nil
}

// DeleteFunction removes a foreign function installed with CreateFunction.
func (vm *VM) DeleteFunction(name string) error {
	if err := vm.alive("delete_function"); err != nil {
		return err
	}
	if _, ok := vm.funcs[name]; !ok {
		return newError(CodeNotFound, "delete_function", "no foreign function %q", name)
	}
	delete(vm.funcs, name)
	return nil
}

// callable adapts a foreign function to the expression evaluator.
func (vm *VM) callable(f *foreign) func(args ...any) (any, error) {
	return func(args ...any) (any, error) {
		v, err := vm.invoke(f, args)
		if err != nil {
			return nil, err
		}
		return v.ToNative(), nil
	}
}

// invoke mints the arguments in a fresh CallContext, runs the function and
// returns a copy of its result (null when none was set).
func (vm *VM) invoke(f *foreign, args []any) (*Value, error) {
	ctx := &CallContext{
		scope: scope{heap: vm.heap, owner: vm.heap.newOwner()},
		vm:    vm,
		fn:    f,
	}

	handles := make([]Handle, 0, len(args))
	for i, a := range args {
		v, err := FromNative(a)
		if err != nil {
			vm.heap.releaseOwner(ctx.owner)
			return nil, vm.raise(newError(CodeInvalid, f.name, "argument %d: %v", i, err))
		}
		handles = append(handles, ctx.mint(v))
	}

	status, panicErr := vm.call(ctx, handles)

	for _, h := range handles {
		ctx.dropBorrowed(h)
	}
	if n := vm.heap.releaseOwner(ctx.owner); n > 0 {
		slog.Warn("engine: foreign function leaked handles", "function", f.name, "count", n)
	}
	ctx.closed = true

	if panicErr != nil {
		return nil, vm.raise(panicErr)
	}
	if status != OK {
		msg := fmt.Sprintf("foreign function %s aborted", f.name)
		vm.logError(msg)
		return nil, vm.raise(newError(CodeAbort, "exec", "%s", msg))
	}
	if !ctx.hasValue {
		return NewNull(), nil
	}
	return ctx.result, nil
}

func (vm *VM) call(ctx *CallContext, args []Handle) (status Status, err *Error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("engine: panic recovered in foreign function",
				"function", ctx.fn.name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = newError(CodeVMErr, "exec", "foreign function %s panicked: %v", ctx.fn.name, r)
		}
	}()
	return ctx.fn.fn(ctx, args), nil
}

// raise records err so the executor can surface it unchanged after the
// expression evaluator unwinds.
func (vm *VM) raise(err *Error) error {
	if vm.pending == nil {
		vm.pending = err
	}
	return err
}
