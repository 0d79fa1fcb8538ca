package engine

import (
	"log/slog"
	"strings"
)

type binding struct {
	name *CString
	val  *Value
}

// VM is one compiled script plus its globals, foreign functions and handle
// heap. A VM executes at most once.
//
// THREAD-SAFETY: a VM and every handle it mints must stay on one goroutine.
type VM struct {
	scope

	db       *DB
	prog     *Program
	bindings []binding
	vars     map[string]*Value
	funcs    map[string]*foreign
	output   func(string) error
	buf      strings.Builder
	log      errLog
	executed bool

	// pending carries the engine error raised inside a foreign call across
	// the expression evaluator, which only sees a plain error.
	pending error
}

func newVM(db *DB, prog *Program) *VM {
	return &VM{
		scope: scope{heap: newHeap(), owner: vmOwner},
		db:    db,
		prog:  prog,
		vars:  make(map[string]*Value),
		funcs: make(map[string]*foreign),
	}
}

// CreateVar binds a copy of the value behind h as a global variable. The VM
// keeps the name pointer, not a copy: the name is read again when the script
// starts, so name must stay alive until Exec returns.
func (vm *VM) CreateVar(name *CString, h Handle) error {
	if err := vm.alive("create_var"); err != nil {
		return err
	}
	if vm.executed {
		return newError(CodeInvalid, "create_var", "vm already executed")
	}
	s, ok := name.String()
	if !ok || !validName(s) {
		return newError(CodeInvalid, "create_var", "invalid variable name %q", s)
	}
	v, err := vm.mutable("create_var", h)
	if err != nil {
		return err
	}
	vm.bindings = append(vm.bindings, binding{name: name, val: v.Copy()})
	return nil
}

// ExtractVar returns a new VM-owned handle referring to the named global. Before
// execution the bound variables are visible; afterwards the script's globals.
// The caller must release the handle.
func (vm *VM) ExtractVar(name string) (Handle, bool) {
	if vm.alive("extract_var") != nil {
		return 0, false
	}
	if v, ok := vm.vars[name]; ok {
		return vm.mint(v), true
	}
	if vm.executed {
		return 0, false
	}
	for i := len(vm.bindings) - 1; i >= 0; i-- {
		if s, ok := vm.bindings[i].name.String(); ok && s == name {
			return vm.mint(vm.bindings[i].val), true
		}
	}
	return 0, false
}

// SetOutput installs the consumer for print statements. Without one the output
// is buffered and available through Output. A consumer error aborts the script.
func (vm *VM) SetOutput(fn func(string) error) {
	vm.output = fn
}

func (vm *VM) Output() string { return vm.buf.String() }

// ErrLog returns the errors this VM reported. The same lines also go to the
// database log.
func (vm *VM) ErrLog() string { return vm.log.String() }

func (vm *VM) logError(line string) {
	vm.log.append(line)
	vm.db.errLog.append(line)
}

// LiveHandles counts handles currently live in the VM heap, from every owner.
func (vm *VM) LiveHandles() int { return vm.heap.live }

// Leaked counts handles the engine had to reclaim because their owner went
// away without releasing them.
func (vm *VM) Leaked() int { return vm.heap.leaked }

// Release tears the VM down. Handles it minted become stale.
func (vm *VM) Release() error {
	if err := vm.alive("release_vm"); err != nil {
		return err
	}
	if n := vm.heap.releaseOwner(vmOwner); n > 0 {
		slog.Warn("engine: vm released with live handles", "count", n)
	}
	vm.closed = true
	vm.vars = nil
	vm.bindings = nil
	vm.funcs = nil
	return nil
}

// bindGlobals resolves every bound name through its retained buffer.
func (vm *VM) bindGlobals() error {
	for _, b := range vm.bindings {
		s, ok := b.name.String()
		if !ok {
			return newError(CodeInvalid, "exec", "variable name buffer was freed before execution")
		}
		vm.vars[s] = b.val
	}
	return nil
}

func validName(s string) bool {
	if s == "" || !isLetter(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isLetter(s[i]) && !isDigit(s[i]) {
			return false
		}
	}
	return true
}
