package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/expr-lang/expr"
)

// Exec runs the script once. A second call fails with CodeInvalid. Runtime
// failures are appended to the database error log.
func (vm *VM) Exec() (err error) {
	if err := vm.alive("exec"); err != nil {
		return err
	}
	if vm.executed {
		return newError(CodeInvalid, "exec", "vm already executed")
	}
	vm.executed = true

	// Whatever happens inside the script, the host process survives it.
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			slog.Error("engine: panic recovered in executor",
				"panic", r,
				"stack", stack,
			)
			err = newError(CodeVMErr, "exec", "panic: %v", r)
		}
		if err != nil {
			vm.logError(err.Error())
		}
	}()

	if err := vm.bindGlobals(); err != nil {
		return err
	}
	env := vm.newEnv()
	return vm.run(env, vm.prog.Body)
}

func (vm *VM) run(env *environment, nodes []*Node) error {
	for _, n := range nodes {
		if err := vm.execNode(env, n); err != nil {
			return err
		}
	}
	return nil
}

func (vm *VM) execNode(env *environment, n *Node) error {
	switch n.Kind {
	case NodeAssign:
		v, err := vm.eval(env, n.Expr)
		if err != nil {
			return err
		}
		vm.vars[n.Name] = v
		return nil

	case NodeExpr:
		_, err := vm.eval(env, n.Expr)
		return err

	case NodePrint:
		v, err := vm.eval(env, n.Expr)
		if err != nil {
			return err
		}
		return vm.emit(v.String())

	case NodeIf:
		cond, err := vm.eval(env, n.Expr)
		if err != nil {
			return err
		}
		if cond.Truthy() {
			return vm.run(env, n.Children)
		}
		return vm.run(env, n.Else)
	}
	return newError(CodeVMErr, "exec", "line %d: unknown statement kind %d", n.Line, n.Kind)
}

func (vm *VM) eval(env *environment, e *Expr) (*Value, error) {
	if e.bareVar != "" {
		if v, ok := vm.vars[e.bareVar]; ok {
			return v.Copy(), nil
		}
		return NewNull(), nil
	}

	for _, name := range e.calls {
		if _, ok := env.funcs[name]; !ok {
			return nil, newError(CodeVMErr, "exec", "line %d: call to undefined function %s()", e.Line, name)
		}
	}

	out, err := expr.Run(e.program, env.snapshot(vm.vars))
	if vm.pending != nil {
		pending := vm.pending
		vm.pending = nil
		return nil, pending
	}
	if err != nil {
		return nil, newError(CodeVMErr, "exec", "line %d: %s", e.Line, strings.ReplaceAll(err.Error(), callPrefix, ""))
	}
	v, err := FromNative(out)
	if err != nil {
		return nil, newError(CodeVMErr, "exec", "line %d: %v", e.Line, err)
	}
	return v, nil
}

func (vm *VM) emit(s string) error {
	if vm.output == nil {
		vm.buf.WriteString(s)
		return nil
	}
	if err := vm.output(s); err != nil {
		return &Error{Code: CodeAbort, Op: "output", Msg: "output consumer failed", Err: err}
	}
	return nil
}

// environment is the name table the expression evaluator sees: builtins,
// then foreign functions, then script variables converted to plain Go data.
type environment struct {
	funcs map[string]any
}

func (vm *VM) newEnv() *environment {
	funcs := make(map[string]any, len(builtins)+len(vm.funcs))
	ctx := context.Background()
	for name, b := range builtins {
		funcs[name] = func(args ...any) (any, error) {
			out, err := b(ctx, vm, args)
			if err != nil {
				if ee, ok := err.(*Error); ok {
					return nil, vm.raise(ee)
				}
				return nil, vm.raise(&Error{Code: CodeVMErr, Op: "exec", Msg: fmt.Sprintf("%s()", name), Err: err})
			}
			return out, nil
		}
	}
	for name, f := range vm.funcs {
		funcs[name] = vm.callable(f)
	}
	return &environment{funcs: funcs}
}

// snapshot builds the expr environment. Calls always reach the function
// table. A bare name, as used to pass a filter, refers to a variable when
// one of that name exists and to the function otherwise.
func (e *environment) snapshot(vars map[string]*Value) map[string]any {
	out := make(map[string]any, len(vars)+2*len(e.funcs))
	for name, fn := range e.funcs {
		out[name] = fn
		out[callPrefix+name] = fn
	}
	for name, v := range vars {
		out[name] = v.ToNative()
	}
	return out
}
