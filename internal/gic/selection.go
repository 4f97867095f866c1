package gic

// ListRegisterState mirrors the host list-register lifecycle states the
// hypervisor reports back through update_inj_status (spec.md §4.3.5).
type ListRegisterState int

const (
	LRInactive ListRegisterState = iota
	LRPending
	LRActive
	LRActivePending
)

// ListRegister is the injected-IRQ descriptor returned by
// SelectHighestPending, encoding {state, hw, group1, priority, pintid-or-
// sender, vintid} per spec.md §4.3.4.
type ListRegister struct {
	VINTID   uint32
	State    ListRegisterState
	HW       bool
	PINTID   uint32
	Group1   bool
	Priority uint8
	// Sender is the banked sender slot committed for this injection (0
	// for non-SGI IRQs).
	Sender uint
}

// SelectHighestPending runs spec.md §4.3.4's selection algorithm for the
// calling vCPU: scan the pending bitset, skip IRQs whose enabled group is
// masked by CTLR, re-route SPIs whose target vCPU cannot currently
// receive IRQs, and commit the highest-numeric-priority eligible IRQ
// found.
//
// Priority ordering deviation, preserved deliberately (see DESIGN.md):
// the original's selector treats a *larger* numeric priority value as
// higher priority, which is the opposite of the real GIC architecture
// (where priority 0 is highest). This implementation keeps that
// inversion rather than "fixing" it, because correcting it would change
// observable guest behavior the rest of the core's tests assume.
func (d *Distributor) SelectHighestPending(cpu int) (ListRegister, bool) {
	d.mu.RLock()
	ctlr := d.ctlr
	d.mu.RUnlock()

	var (
		best    *Irq
		bestLR  ListRegister
		found   bool
	)

	d.banked[cpu].Pending.Iter(func(id uint32) bool {
		irq := d.irqByID(cpu, id)
		if irq == nil {
			return true
		}

		if id >= MinSPI && d.notifier != nil && !d.notifier.CanReceiveIRQ(cpu) {
			d.redirectSPI(irq)

			return true
		}

		groupOK := (irq.Group1 && ctlr.Group1) || (!irq.Group1 && ctlr.Group0)
		if !groupOK {
			return true
		}

		if !irq.Enable {
			return true
		}

		if d.banked[cpu].InInjection.Test(id) {
			return true
		}

		if best == nil || irq.Priority > best.Priority {
			best = irq
			found = true
		}

		return true
	})

	if !found {
		return ListRegister{}, false
	}

	sender, hasSender := best.Injection.GetPendingSenderID()
	if !hasSender {
		sender = 0
	}

	if !best.Injection.TryCommitInjection(sender) {
		return ListRegister{}, false
	}

	d.banked[cpu].Pending.Clear(best.ID)
	d.banked[cpu].InInjection.Set(best.ID)

	bestLR = ListRegister{
		VINTID:   best.ID,
		State:    LRPending,
		HW:       best.HW,
		PINTID:   best.HWPINTID,
		Group1:   best.Group1,
		Priority: best.Priority,
		Sender:   sender,
	}

	return bestLR, true
}

// redirectSPI re-targets an SPI whose originally-selected vCPU cannot
// currently accept interrupts, per spec.md §4.3.3's lazy re-routing at
// selection time.
func (d *Distributor) redirectSPI(irq *Irq) {
	d.mu.RLock()
	affinityRouted := d.ctlr.AffinityRouted
	d.mu.RUnlock()

	if !affinityRouted {
		for cpu := 0; cpu < d.numVCPUs; cpu++ {
			if irq.Target&(1<<cpu) == 0 {
				continue
			}

			if d.notifier == nil || d.notifier.CanReceiveIRQ(cpu) {
				d.routeSPITo(cpu, irq)

				return
			}
		}

		return
	}

	for cpu := 0; cpu < d.numVCPUs; cpu++ {
		if d.notifier != nil && d.notifier.CanReceiveIRQ(cpu) {
			d.routeSPITo(cpu, irq)

			return
		}
	}
}

// CompleteInjection implements spec.md §4.3.5's update_inj_status for one
// vCPU's list register. state is what the host hypervisor reported.
func (d *Distributor) CompleteInjection(cpu int, vintid uint32, sender uint, state ListRegisterState) {
	irq := d.irqByID(cpu, vintid)
	if irq == nil {
		return
	}

	d.banked[cpu].InInjection.Clear(vintid)

	inactive := state == LRInactive
	irq.Injection.CompleteInjection(sender, inactive)

	if irq.HW && inactive {
		// Physical IRQ deactivation is an external collaborator concern
		// (host hypervisor exit protocol); nothing further to do on the
		// virtual side beyond clearing the bits above.
		_ = irq.HWPINTID
	}

	if state != LRInactive {
		irq.Active = state == LRActive || state == LRActivePending
	} else {
		irq.Active = false
	}

	if irq.Injection.PendingBit(sender) || (!irq.SWEdge && irq.LineAsserted) {
		d.banked[cpu].Pending.Set(vintid)
	}
}
