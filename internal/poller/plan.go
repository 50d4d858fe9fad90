package poller

import (
	"sort"

	"github.com/lumberbarons/modbus-gateway/internal/model"
)

// maxCoalesceGap is the largest address gap (in words/bits) across which
// two adjacent RegisterSpecs of the same area may still be coalesced into
// one read (spec.md §4.5).
const maxCoalesceGap = 8

// readPlan is one Modbus read covering one or more RegisterSpecs of the
// same area, contiguous or separated by at most maxCoalesceGap.
type readPlan struct {
	Area      model.Area
	Address   uint16
	Count     int
	Registers []model.RegisterSpec
}

func areaMax(area model.Area) int {
	if area.IsBit() {
		return 2000
	}
	return 125
}

func registerSpan(spec model.RegisterSpec) int {
	if spec.Area.IsBit() {
		return spec.Count
	}
	return spec.DType.WordCount(spec.Count)
}

// buildPlans groups registers into read plans. Grouping is a pure
// optimization (spec.md §4.5): a strict one-plan-per-register
// implementation would also be conformant, but coalescing reduces the
// number of round trips to a device with many adjacent registers.
func buildPlans(registers []model.RegisterSpec) []readPlan {
	byArea := make(map[model.Area][]model.RegisterSpec)
	for _, r := range registers {
		byArea[r.Area] = append(byArea[r.Area], r)
	}

	var plans []readPlan
	for area, specs := range byArea {
		sort.Slice(specs, func(i, j int) bool { return specs[i].Address < specs[j].Address })
		max := areaMax(area)

		var cur *readPlan
		for _, spec := range specs {
			span := registerSpan(spec)
			end := int(spec.Address) + span
			if cur != nil {
				gap := int(spec.Address) - (int(cur.Address) + cur.Count)
				newCount := end - int(cur.Address)
				if gap <= maxCoalesceGap && gap >= 0 && newCount <= max {
					cur.Count = newCount
					cur.Registers = append(cur.Registers, spec)
					continue
				}
				plans = append(plans, *cur)
				cur = nil
			}
			if span > max {
				span = max
			}
			cur = &readPlan{Area: area, Address: spec.Address, Count: span, Registers: []model.RegisterSpec{spec}}
		}
		if cur != nil {
			plans = append(plans, *cur)
		}
	}

	sort.Slice(plans, func(i, j int) bool {
		if plans[i].Area != plans[j].Area {
			return plans[i].Area < plans[j].Area
		}
		return plans[i].Address < plans[j].Address
	})
	return plans
}

// unpackBits expands a Modbus coil/discrete byte payload (LSB-first within
// each byte) into totalBits individual booleans.
func unpackBits(data []byte, totalBits int) []bool {
	out := make([]bool, totalBits)
	for i := 0; i < totalBits; i++ {
		byteIdx := i / 8
		bitIdx := uint(i % 8)
		if byteIdx >= len(data) {
			break
		}
		out[i] = data[byteIdx]&(1<<bitIdx) != 0
	}
	return out
}

// unpackWords expands a Modbus register byte payload (big-endian pairs)
// into 16-bit words.
func unpackWords(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = uint16(data[2*i])<<8 | uint16(data[2*i+1])
	}
	return out
}
