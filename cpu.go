// cpu.go - register file, fetch/decode/execute loop, exception semantics (§4.5)
//
// The per-tick algorithm and trap-to-interrupt conversion follow §4.5
// exactly. The instruction switch plays the role the teacher's cpu_ie32.go
// execute loop plays for IE32: one exhaustive switch over the opcode,
// arithmetic done directly on register values with no function-pointer
// indirection in the hot path (§9).

package ducky

import "fmt"

// Core is one CPU: its register file, its private MMU/caches, and the
// shared memory/bus/interrupt-controller it operates against.
type Core struct {
	ID   int
	Regs Registers

	mem *MMU
	raw *Memory
	bus *Bus
	irq *InterruptController
	fpu *Coprocessor

	pendingTrap *Trap
	lastFault   *FaultCode

	haltRequested bool
	haltCode      Word

	deliverIPI func(targetCore, irq int)
}

// SetIPIHandler installs the machine's cross-core delivery hook; OpIPI is a
// no-op until one is set, since a Core has no reference back to its
// siblings on its own.
func (c *Core) SetIPIHandler(f func(targetCore, irq int)) {
	c.deliverIPI = f
}

// NewCore builds a core bound to shared memory/bus/interrupt state.
func NewCore(id int, raw *Memory, bus *Bus, irq *InterruptController) *Core {
	return &Core{
		ID:  id,
		mem: NewMMU(raw, id),
		raw: raw,
		bus: bus,
		irq: irq,
		fpu: NewCoprocessor(),
	}
}

// Halted reports the core's halted flag.
func (c *Core) Halted() bool { return c.Regs.Flags&FlagHalted != 0 }

// privileged reports whether the core is currently in privileged mode.
func (c *Core) privileged() bool { return c.Regs.Flags&FlagPrivileged != 0 }

// TickResult tells the machine's scheduler what happened this round.
type TickResult struct {
	CoreHalted    bool // this core gracefully stopped (HLT 0)
	MachineHalted bool // HLT with a nonzero code: stop every core
	ExitCode      int
	Fatal         error // a double-fault or host error; the machine must abort
}

// Tick executes §4.5's per-tick algorithm: yield if halted with nothing to
// wake it, otherwise service interrupts then fetch/decode/execute exactly
// one instruction.
func (c *Core) Tick() TickResult {
	if c.Halted() {
		if !c.irq.hasFault() {
			return TickResult{}
		}
		c.Regs.Flags &^= FlagHalted
	}

	if err := c.serviceInterrupts(); err != nil {
		return TickResult{Fatal: err}
	}

	if err := c.fetchDecodeExecute(); err != nil {
		trap, ok := err.(*Trap)
		if !ok {
			return TickResult{Fatal: err}
		}
		c.pendingTrap = trap
	}

	if c.haltRequested {
		c.haltRequested = false
		c.Regs.Flags |= FlagHalted
		if c.haltCode == 0 {
			return TickResult{CoreHalted: true}
		}
		return TickResult{MachineHalted: true, ExitCode: int(c.haltCode)}
	}
	return TickResult{}
}

// hasFault reports whether any of the reserved fault IVT indices (0..7) are
// pending, regardless of mask state. These are the controller's notion of
// non-maskable: they can wake a halted core (§3).
func (ic *InterruptController) hasFault() bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for i := 0; i < 8; i++ {
		if ic.pending[i] {
			return true
		}
	}
	return false
}

// LastFault exposes the most recently delivered PageFault/AccessViolation's
// payload, for the guest handler (and for tests) to inspect. Real hardware
// would surface this through a privileged MMIO register; routing it through
// the engine directly keeps the handler contract simple without adding a
// device the spec never names (see DESIGN.md).
func (c *Core) LastFault() *FaultCode { return c.lastFault }

// serviceInterrupts implements §4.4's delivery algorithm.
func (c *Core) serviceInterrupts() error {
	if c.pendingTrap != nil {
		t := c.pendingTrap
		c.pendingTrap = nil
		if t.Fault != nil {
			c.lastFault = t.Fault
		}
		c.irq.Raise(int(t.Kind))
	}

	irq, ok := c.irq.PopFault()
	if !ok {
		if c.Regs.Flags&FlagHWInterrupt == 0 {
			return nil
		}
		irq, ok = c.irq.PopNext()
		if !ok {
			return nil
		}
	}

	entry, resolved, err := c.irq.Resolve(c.raw, c.ID, irq)
	if err != nil {
		return err
	}
	if !resolved {
		if irq == int(TrapDoubleFault) {
			return fmt.Errorf("core %d: double-fault with no handler installed", c.ID)
		}
		c.irq.Raise(int(TrapDoubleFault))
		return nil
	}

	c.pushFrame()
	c.Regs.IP = entry.IP
	c.Regs.SP = entry.SP
	c.Regs.Flags &^= FlagHWInterrupt
	c.Regs.Flags |= FlagPrivileged
	return nil
}

func (c *Core) pushWord(v Word) error {
	c.Regs.SP -= 4
	return c.raw.WriteWord(c.ID, c.Regs.SP, v)
}

func (c *Core) popWord() (Word, error) {
	v, err := c.raw.ReadWord(c.ID, c.Regs.SP)
	c.Regs.SP += 4
	return v, err
}

// pushFrame saves flags, ip, and the pre-interrupt sp (§4.4 step 4). The
// privileged bit is part of Flags, so a single flags word covers it.
func (c *Core) pushFrame() {
	savedSP := c.Regs.SP
	c.pushWord(c.Regs.Flags)
	c.pushWord(c.Regs.IP)
	c.pushWord(savedSP)
}

// RETINT reverses pushFrame atomically with respect to instruction
// boundaries (§4.4 step 6).
func (c *Core) execRETINT() error {
	savedSP, err := c.popWord()
	if err != nil {
		return err
	}
	ip, err := c.popWord()
	if err != nil {
		return err
	}
	flags, err := c.popWord()
	if err != nil {
		return err
	}
	c.Regs.SP = savedSP
	c.Regs.IP = ip
	c.Regs.Flags = flags
	return nil
}

// fetchDecodeExecute performs one fetch/decode/execute cycle and returns a
// trap if one occurred, to be converted into a pending interrupt at the
// next boundary (§4.5 step 3).
func (c *Core) fetchDecodeExecute() error {
	pc := c.Regs.IP
	phys, flags, err := c.mem.Translate(pc, AccessExecute, !c.privileged())
	if err != nil {
		return err
	}
	if flags&PageExecutable == 0 {
		return NewFault(TrapProtectionFault, pc, AccessExecute, !c.privileged())
	}

	var ins decodedInstruction
	if cached, ok := c.mem.icache[phys]; ok {
		ins = cached
	} else {
		raw, err := c.raw.ReadWord(c.ID, phys)
		if err != nil {
			return err
		}
		d := Decode(raw)
		ins = decodedInstruction{raw: raw, opcode: d.op, operand: [3]Word{Word(d.rd), Word(d.rs), d.imm}}
		c.mem.icache[phys] = ins
	}

	c.Regs.IP += 4

	d := decoded{op: ins.opcode, rd: uint8(ins.operand[0]), rs: uint8(ins.operand[1]), imm: ins.operand[2]}
	return c.execute(d)
}

func (c *Core) requirePrivileged() error {
	if !c.privileged() {
		return NewTrap(TrapPrivilegeViolation)
	}
	return nil
}

// execute dispatches one decoded instruction. Arithmetic/logic/control
// opcodes operate directly on register values; only LW/LS/LB/STW/STS/STB
// and fetch itself go through the MMU.
func (c *Core) execute(d decoded) error {
	if d.op >= OpMATH_ADDL && d.op <= OpMATH_DROP {
		if c.Regs.InstructionSet == 0 {
			return NewTrap(TrapInvalidOpcode)
		}
		return c.fpu.Execute(d.op, c, d)
	}

	switch d.op {
	case OpNOP, OpMEMBAR:
		return nil

	case OpLI:
		return c.setReg(d.rd, d.imm)
	case OpLA:
		return c.setReg(d.rd, d.imm)
	case OpLW:
		return c.load(d, WidthWord)
	case OpLS:
		return c.load(d, WidthShort)
	case OpLB:
		return c.load(d, WidthByte)
	case OpSTW:
		return c.store(d, WidthWord)
	case OpSTS:
		return c.store(d, WidthShort)
	case OpSTB:
		return c.store(d, WidthByte)
	case OpMOV:
		rs, ok := c.get(d.rs)
		if !ok {
			return NewTrap(TrapInvalidOpcode)
		}
		return c.setReg(d.rd, rs)
	case OpSWP:
		return c.swap(d)

	case OpADD:
		return c.binOp(d, func(a, b Word) Word { return a + b }, true)
	case OpSUB:
		return c.binOp(d, func(a, b Word) Word { return a - b }, true)
	case OpMUL:
		return c.binOp(d, func(a, b Word) Word { return a * b }, true)
	case OpDIV:
		return c.divOp(d, false)
	case OpMOD:
		return c.divOp(d, true)
	case OpINC:
		return c.unOp(d, func(a Word) Word { return a + 1 }, true)
	case OpDEC:
		return c.unOp(d, func(a Word) Word { return a - 1 }, true)
	case OpNEG:
		return c.unOp(d, func(a Word) Word { return -a }, true)
	case OpAND:
		return c.binOp(d, func(a, b Word) Word { return a & b }, false)
	case OpOR:
		return c.binOp(d, func(a, b Word) Word { return a | b }, false)
	case OpXOR:
		return c.binOp(d, func(a, b Word) Word { return a ^ b }, false)
	case OpNOT:
		return c.unOp(d, func(a Word) Word { return ^a }, false)
	case OpSHL, OpSHIFTL:
		return c.binOp(d, func(a, b Word) Word { return a << (b & 31) }, false)
	case OpSHR:
		return c.binOp(d, func(a, b Word) Word { return a >> (b & 31) }, false)

	case OpCMP:
		return c.compare(d, true)
	case OpCMPU:
		return c.compare(d, false)

	case OpJ:
		c.Regs.IP += d.imm * 4
		return nil
	case OpBE:
		return c.branchIf(d, c.Regs.Flags&FlagEqual != 0)
	case OpBNE:
		return c.branchIf(d, c.Regs.Flags&FlagEqual == 0)
	case OpBZ:
		return c.branchIf(d, c.Regs.Flags&FlagZero != 0)
	case OpBNZ:
		return c.branchIf(d, c.Regs.Flags&FlagZero == 0)
	case OpBG:
		return c.branchIf(d, c.Regs.Flags&(FlagEqual|FlagSign) == 0)
	case OpBGE:
		return c.branchIf(d, c.Regs.Flags&FlagSign == 0)
	case OpBL:
		return c.branchIf(d, c.Regs.Flags&FlagSign != 0)
	case OpBLE:
		return c.branchIf(d, c.Regs.Flags&FlagSign != 0 || c.Regs.Flags&FlagEqual != 0)
	case OpCALL:
		if err := c.pushWord(c.Regs.IP); err != nil {
			return err
		}
		c.Regs.IP += d.imm * 4
		return nil
	case OpRET:
		ip, err := c.popWord()
		if err != nil {
			return err
		}
		c.Regs.IP = ip
		return nil
	case OpINT:
		c.irq.Raise(int(d.imm))
		return nil
	case OpRETINT:
		if t := c.requirePrivileged(); t != nil {
			return t
		}
		if err := c.execRETINT(); err != nil {
			return err
		}
		return nil
	case OpIPI:
		// rd carries the target core id, rs a GPR holding the IRQ number.
		irqNum, ok := c.get(d.rs)
		if !ok {
			return NewTrap(TrapInvalidOpcode)
		}
		if c.deliverIPI != nil {
			c.deliverIPI(int(d.rd), int(irqNum))
		}
		return nil

	case OpPUSH:
		v, ok := c.get(d.rd)
		if !ok {
			return NewTrap(TrapInvalidOpcode)
		}
		if err := c.pushWord(v); err != nil {
			return err
		}
		return nil
	case OpPOP:
		v, err := c.popWord()
		if err != nil {
			return err
		}
		return c.setReg(d.rd, v)

	case OpHLT:
		if t := c.requirePrivileged(); t != nil {
			return t
		}
		v, ok := c.get(d.rd)
		if !ok {
			return NewTrap(TrapInvalidOpcode)
		}
		c.haltRequested = true
		c.haltCode = v
		return nil
	case OpRST:
		if t := c.requirePrivileged(); t != nil {
			return t
		}
		c.Regs = Registers{Flags: FlagPrivileged}
		c.mem.FlushTLB()
		c.mem.FlushICache()
		return nil
	case OpIDLE:
		if t := c.requirePrivileged(); t != nil {
			return t
		}
		return nil
	case OpLPM:
		if t := c.requirePrivileged(); t != nil {
			return t
		}
		v, ok := c.get(d.rs)
		if !ok {
			return NewTrap(TrapInvalidOpcode)
		}
		c.Regs.PTBase = v
		c.mem.SetPageTableBase(v)
		return nil
	case OpLPT:
		if t := c.requirePrivileged(); t != nil {
			return t
		}
		v, ok := c.get(d.rs)
		if !ok {
			return NewTrap(TrapInvalidOpcode)
		}
		c.Regs.PTBase = v
		c.mem.SetPageTableBase(v)
		return nil
	case OpCLI:
		if t := c.requirePrivileged(); t != nil {
			return t
		}
		c.Regs.Flags &^= FlagHWInterrupt
		return nil
	case OpSTI:
		if t := c.requirePrivileged(); t != nil {
			return t
		}
		c.Regs.Flags |= FlagHWInterrupt
		return nil
	case OpFPTC:
		if t := c.requirePrivileged(); t != nil {
			return t
		}
		c.mem.FlushTLB()
		return nil
	case OpSIS:
		if t := c.requirePrivileged(); t != nil {
			return t
		}
		c.Regs.InstructionSet = d.imm
		return nil

	default:
		return NewTrap(TrapInvalidOpcode)
	}
}

func (c *Core) get(idx uint8) (Word, bool) {
	p, ok := c.Regs.reg(idx)
	if !ok {
		return 0, false
	}
	return *p, true
}

// setReg writes a general register. ip is excluded: §3 reserves it for
// control-flow and trap logic, which address it directly rather than
// through this path.
func (c *Core) setReg(idx uint8, v Word) error {
	if idx == regIP {
		return NewTrap(TrapInvalidOpcode)
	}
	p, ok := c.Regs.reg(idx)
	if !ok {
		return NewTrap(TrapInvalidOpcode)
	}
	*p = v
	return nil
}

func (c *Core) swap(d decoded) error {
	if d.rd == regIP || d.rs == regIP {
		return NewTrap(TrapInvalidOpcode)
	}
	a, ok1 := c.Regs.reg(d.rd)
	b, ok2 := c.Regs.reg(d.rs)
	if !ok1 || !ok2 {
		return NewTrap(TrapInvalidOpcode)
	}
	*a, *b = *b, *a
	return nil
}

func (c *Core) effectiveAddr(d decoded) (Word, error) {
	base, ok := c.get(d.rs)
	if !ok {
		return 0, NewTrap(TrapInvalidOpcode)
	}
	return base + d.imm, nil
}

func (c *Core) load(d decoded, width AccessWidth) error {
	addr, t := c.effectiveAddr(d)
	if t != nil {
		return t
	}
	virt, flags, err := c.mem.Translate(addr, AccessRead, !c.privileged())
	if err != nil {
		return err
	}
	if flags&PageReadable == 0 {
		return NewFault(TrapProtectionFault, addr, AccessRead, !c.privileged())
	}
	if c.bus != nil && c.bus.RouteMMIO(virt) {
		v, err := c.bus.MMIORead(virt, width)
		if err != nil {
			return err
		}
		switch width {
		case WidthWord:
			return c.setReg(d.rd, v)
		case WidthShort:
			return c.setReg(d.rd, signExtendShort(Short(v)))
		default:
			return c.setReg(d.rd, signExtendByte(byte(v)))
		}
	}
	switch width {
	case WidthWord:
		v, err := c.raw.ReadWord(c.ID, virt)
		if err != nil {
			return err
		}
		return c.setReg(d.rd, v)
	case WidthShort:
		v, err := c.raw.ReadShort(c.ID, virt)
		if err != nil {
			return err
		}
		return c.setReg(d.rd, signExtendShort(v))
	default:
		v, err := c.raw.ReadByte(c.ID, virt)
		if err != nil {
			return err
		}
		return c.setReg(d.rd, signExtendByte(v))
	}
}

func (c *Core) store(d decoded, width AccessWidth) error {
	addr, t := c.effectiveAddr(d)
	if t != nil {
		return t
	}
	val, ok := c.get(d.rd)
	if !ok {
		return NewTrap(TrapInvalidOpcode)
	}
	virt, flags, err := c.mem.Translate(addr, AccessWrite, !c.privileged())
	if err != nil {
		return err
	}
	if flags&PageWritable == 0 {
		return NewFault(TrapProtectionFault, addr, AccessWrite, !c.privileged())
	}
	if flags&PageExecutable != 0 {
		c.mem.InvalidateExecutable(alignedDown(virt, PageSize))
	}
	if c.bus != nil && c.bus.RouteMMIO(virt) {
		return c.bus.MMIOWrite(virt, width, val)
	}
	switch width {
	case WidthWord:
		err = c.raw.WriteWord(c.ID, virt, val)
	case WidthShort:
		err = c.raw.WriteShort(c.ID, virt, Short(val))
	default:
		err = c.raw.WriteByte(c.ID, virt, byte(val))
	}
	if err != nil {
		return err
	}
	return nil
}

func (c *Core) binOp(d decoded, f func(a, b Word) Word, checkOverflow bool) error {
	a, ok1 := c.get(d.rd)
	b, ok2 := c.get(d.rs)
	if !ok1 || !ok2 {
		return NewTrap(TrapInvalidOpcode)
	}
	res := f(a, b)
	if checkOverflow {
		c.Regs.setFlag(FlagOverflow, overflowed(a, b, res, d.op))
	}
	c.Regs.setFlag(FlagZero, res == 0)
	c.Regs.setFlag(FlagSign, int32(res) < 0)
	return c.setReg(d.rd, res)
}

func overflowed(a, b, res Word, op Opcode) bool {
	sa, sb, sr := int64(int32(a)), int64(int32(b)), int64(int32(res))
	switch op {
	case OpADD:
		return sa+sb != sr
	case OpSUB:
		return sa-sb != sr
	case OpMUL:
		return sa*sb != sr
	default:
		return false
	}
}

func overflowedUnary(a, res Word, op Opcode) bool {
	sa, sr := int64(int32(a)), int64(int32(res))
	switch op {
	case OpINC:
		return sa+1 != sr
	case OpDEC:
		return sa-1 != sr
	case OpNEG:
		return -sa != sr
	default:
		return false
	}
}

func (c *Core) unOp(d decoded, f func(a Word) Word, checkOverflow bool) error {
	a, ok := c.get(d.rd)
	if !ok {
		return NewTrap(TrapInvalidOpcode)
	}
	res := f(a)
	if checkOverflow {
		c.Regs.setFlag(FlagOverflow, overflowedUnary(a, res, d.op))
	}
	c.Regs.setFlag(FlagZero, res == 0)
	c.Regs.setFlag(FlagSign, int32(res) < 0)
	return c.setReg(d.rd, res)
}

func (c *Core) divOp(d decoded, mod bool) error {
	a, ok1 := c.get(d.rd)
	b, ok2 := c.get(d.rs)
	if !ok1 || !ok2 {
		return NewTrap(TrapInvalidOpcode)
	}
	if b == 0 {
		return NewTrap(TrapDivisionByZero)
	}
	var res Word
	if mod {
		res = Word(int32(a) % int32(b))
	} else {
		res = Word(int32(a) / int32(b))
	}
	c.Regs.setFlag(FlagZero, res == 0)
	c.Regs.setFlag(FlagSign, int32(res) < 0)
	return c.setReg(d.rd, res)
}

func (c *Core) compare(d decoded, signed bool) error {
	a, ok1 := c.get(d.rd)
	b, ok2 := c.get(d.rs)
	if !ok1 || !ok2 {
		return NewTrap(TrapInvalidOpcode)
	}
	c.Regs.setFlag(FlagEqual, a == b)
	c.Regs.setFlag(FlagZero, a == b && a == 0)
	if signed {
		c.Regs.setFlag(FlagSign, int32(a) < int32(b))
	} else {
		c.Regs.setFlag(FlagSign, a < b)
	}
	return nil
}

func (c *Core) branchIf(d decoded, take bool) error {
	if take {
		c.Regs.IP += d.imm * 4
	}
	return nil
}
