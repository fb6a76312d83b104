// coprocessor.go - 64-bit math coprocessor (§4.5, §4.9)
//
// Grounded on original_source/ducky/cpu/coprocessor/math_copro.py: a small
// stack machine, separate from the general-purpose register file, that
// promotes 32-bit register values to 64-bit "long" cells and operates on
// them there. The original coerces silently; this one does not — a pop that
// finds the wrong cell kind raises CoprocessorFault instead of truncating
// or reinterpreting, per the escape's contract in cpu.go's execute.

package ducky

// mathStackDepth bounds the coprocessor's operand stack, matching the
// original's STACK_DEPTH.
const mathStackDepth = 8

type mathKind int

const (
	mathLong mathKind = iota
)

// mathValue is one operand-stack cell: a 64-bit payload tagged with the
// kind of value it holds. Only mathLong exists today, but Execute checks
// the tag on every pop rather than assuming it, so a future kind (packed
// pairs, fixed-point) can't be silently misread as a plain long.
type mathValue struct {
	kind mathKind
	bits uint64
}

// Coprocessor is the 64-bit math escape's private state: one operand
// stack, shared by every MATH_* opcode a core executes.
type Coprocessor struct {
	stack []mathValue
}

// NewCoprocessor builds an empty math stack.
func NewCoprocessor() *Coprocessor {
	return &Coprocessor{stack: make([]mathValue, 0, mathStackDepth)}
}

func (m *Coprocessor) push(v mathValue) error {
	if len(m.stack) == mathStackDepth {
		return NewTrap(TrapCoprocessorFault)
	}
	m.stack = append(m.stack, v)
	return nil
}

func (m *Coprocessor) pop(want mathKind) (mathValue, error) {
	if len(m.stack) == 0 {
		return mathValue{}, NewTrap(TrapCoprocessorFault)
	}
	v := m.stack[len(m.stack)-1]
	if v.kind != want {
		return mathValue{}, NewTrap(TrapCoprocessorFault)
	}
	m.stack = m.stack[:len(m.stack)-1]
	return v, nil
}

func (m *Coprocessor) top(want mathKind) (*mathValue, error) {
	if len(m.stack) == 0 {
		return nil, NewTrap(TrapCoprocessorFault)
	}
	v := &m.stack[len(m.stack)-1]
	if v.kind != want {
		return nil, NewTrap(TrapCoprocessorFault)
	}
	return v, nil
}

// Execute dispatches one coprocessor-escape opcode against a core's
// register file. rd/rs address the general register file exactly as any
// other RR-form operand would; cpu.go's execute has already confirmed
// InstructionSet selects this coprocessor before calling in.
func (c *Coprocessor) Execute(op Opcode, core *Core, d decoded) error {
	switch op {
	case OpMATH_ITOL:
		r, ok := core.get(d.rd)
		if !ok {
			return NewTrap(TrapInvalidOpcode)
		}
		return c.push(mathValue{kind: mathLong, bits: uint64(int64(int32(r)))})

	case OpMATH_LTOI:
		v, err := c.pop(mathLong)
		if err != nil {
			return err
		}
		return core.setReg(d.rd, Word(v.bits))

	case OpMATH_DUP:
		v, err := c.top(mathLong)
		if err != nil {
			return err
		}
		return c.push(*v)

	case OpMATH_DROP:
		_, err := c.pop(mathLong)
		return err

	case OpMATH_ADDL:
		return c.binOpL(func(a, b int64) int64 { return a + b })
	case OpMATH_SUBL:
		return c.binOpL(func(a, b int64) int64 { return a - b })
	case OpMATH_MULL:
		return c.binOpL(func(a, b int64) int64 { return a * b })
	case OpMATH_DIVL:
		rhs, err := c.pop(mathLong)
		if err != nil {
			return err
		}
		lhs, err := c.top(mathLong)
		if err != nil {
			return err
		}
		if int64(rhs.bits) == 0 {
			return NewTrap(TrapDivisionByZero)
		}
		lhs.bits = uint64(int64(lhs.bits) / int64(rhs.bits))
		return nil

	default:
		return NewTrap(TrapInvalidOpcode)
	}
}

// binOpL pops the top of the stack as the right operand and applies f to
// the value now on top, in place — "add the topmost value to the value
// below" per the original's op_addl/op_subl/op_mull.
func (c *Coprocessor) binOpL(f func(a, b int64) int64) error {
	rhs, err := c.pop(mathLong)
	if err != nil {
		return err
	}
	lhs, err := c.top(mathLong)
	if err != nil {
		return err
	}
	lhs.bits = uint64(f(int64(lhs.bits), int64(rhs.bits)))
	return nil
}
