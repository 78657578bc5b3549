package transducer

import (
	"math"
	"strings"

	"periph.io/x/conn/v3/physic"
)

// Pressure units a module may be branded with, in Pascal.
var unitPascals = map[string]float64{
	"pa":    1,
	"hpa":   100,
	"kpa":   1e3,
	"mbar":  100,
	"bar":   1e5,
	"psi":   6894.757293168361,
	"inhg":  3386.389,
	"mmhg":  133.322387415,
	"inh2o": 249.08891,
	"mh2o":  9806.65,
}

// Units whose case carries the SI prefix.
var prefixedPascals = map[string]float64{
	"MPa": 1e6,
	"mPa": 1e-3,
}

// pascals looks up unit. MPa and mPa are matched exactly and every other
// name case-insensitively.
func pascals(unit string) (float64, bool) {
	unit = strings.TrimSpace(unit)
	if pa, ok := prefixedPascals[unit]; ok {
		return pa, true
	}
	pa, ok := unitPascals[strings.ToLower(unit)]
	return pa, ok
}

// UnitScale returns one unit of the named pressure unit.
func UnitScale(unit string) (physic.Pressure, bool) {
	pa, ok := pascals(unit)
	if !ok {
		return 0, false
	}
	return physic.Pressure(math.Round(pa * float64(physic.Pascal))), true
}

// ToPressure converts v expressed in unit. Unknown units yield false.
func ToPressure(v float32, unit string) (physic.Pressure, bool) {
	pa, ok := pascals(unit)
	if !ok {
		return 0, false
	}
	return physic.Pressure(math.Round(float64(v) * pa * float64(physic.Pascal))), true
}
