// Package units implements the statistics engine's unit converter
// registry (spec component C1): it maps display units to a unit class
// and converts values between units of the same class.
package units

import "fmt"

// Class is a family of mutually-convertible units, e.g. all energy
// units. Two units can only be converted if they belong to the same
// Class.
type Class string

const (
	DataRate         Class = "data_rate"
	Distance         Class = "distance"
	ElectricCurrent  Class = "electric_current"
	ElectricPotential Class = "electric_potential"
	Energy           Class = "energy"
	Information      Class = "information"
	Mass             Class = "mass"
	Power            Class = "power"
	Pressure         Class = "pressure"
	Speed            Class = "speed"
	Temperature      Class = "temperature"
	UnitlessRatio    Class = "unitless_ratio"
	Volume           Class = "volume"
)

// converter turns a value expressed in its class's base unit into the
// named unit, and back. Base units are arbitrary per class (SI where
// natural) — only ratios between units of the same class matter.
type converter struct {
	class     Class
	toBase    map[string]func(float64) float64
	fromBase  map[string]func(float64) float64
}

// Registry holds every supported unit and its conversion functions.
type Registry struct {
	unitClass map[string]Class
	byClass   map[Class]*converter
}

// New builds the default registry covering every unit class spec.md
// §4.1 names.
func New() *Registry {
	r := &Registry{
		unitClass: make(map[string]Class),
		byClass:   make(map[Class]*converter),
	}

	r.addLinear(Energy, map[string]float64{
		"Wh":  1,
		"kWh": 1000,
		"MWh": 1_000_000,
		"GJ":  277_777.77777778,
		"MJ":  277.77777778,
		"cal": 0.00116222,
		"kcal": 1.16222,
	})
	r.addLinear(Power, map[string]float64{
		"W":  1,
		"kW": 1000,
		"MW": 1_000_000,
		"GW": 1_000_000_000,
	})
	r.addLinear(ElectricPotential, map[string]float64{
		"V":  1,
		"mV": 0.001,
		"kV": 1000,
	})
	r.addLinear(ElectricCurrent, map[string]float64{
		"A":  1,
		"mA": 0.001,
		"kA": 1000,
	})
	r.addLinear(Mass, map[string]float64{
		"g":  1,
		"kg": 1000,
		"mg": 0.001,
		"µg": 0.000001,
		"oz": 28.349523125,
		"lb": 453.59237,
		"st": 6350.29318,
	})
	r.addLinear(Volume, map[string]float64{
		"mL":  1,
		"L":   1000,
		"m³":  1_000_000,
		"ft³": 28316.846592,
		"gal": 3785.411784,
	})
	r.addLinear(Distance, map[string]float64{
		"mm": 1,
		"cm": 10,
		"m":  1000,
		"km": 1_000_000,
		"in": 25.4,
		"ft": 304.8,
		"yd": 914.4,
		"mi": 1_609_344,
	})
	r.addLinear(Speed, map[string]float64{
		"mm/s": 1,
		"m/s":  1000,
		"km/h": 277.777778,
		"mph":  447.04,
		"kn":   514.444444,
	})
	r.addLinear(Pressure, map[string]float64{
		"Pa":   1,
		"hPa":  100,
		"kPa":  1000,
		"bar":  100_000,
		"psi":  6894.757293168,
		"mmHg": 133.322387415,
		"inHg": 3386.389,
	})
	r.addLinear(Information, map[string]float64{
		"bit":  1,
		"byte": 8,
		"kB":   8000,
		"MB":   8_000_000,
		"GB":   8_000_000_000,
		"KiB":  8192,
		"MiB":  8_388_608,
		"GiB":  8_589_934_592,
	})
	r.addLinear(DataRate, map[string]float64{
		"bit/s":  1,
		"kbit/s": 1000,
		"Mbit/s": 1_000_000,
		"byte/s": 8,
		"KiB/s":  8192,
		"MiB/s":  8_388_608,
	})
	r.addLinear(UnitlessRatio, map[string]float64{
		"%":        1,
		"unitless": 100,
	})

	// Temperature is affine, not linear, so it gets its own converter.
	tempToBase := map[string]func(float64) float64{
		"°C": func(v float64) float64 { return v },
		"°F": func(v float64) float64 { return (v - 32) * 5 / 9 },
		"K":  func(v float64) float64 { return v - 273.15 },
	}
	tempFromBase := map[string]func(float64) float64{
		"°C": func(v float64) float64 { return v },
		"°F": func(v float64) float64 { return v*9/5 + 32 },
		"K":  func(v float64) float64 { return v + 273.15 },
	}
	c := &converter{class: Temperature, toBase: tempToBase, fromBase: tempFromBase}
	r.byClass[Temperature] = c
	for u := range tempToBase {
		r.unitClass[u] = Temperature
	}

	return r
}

// addLinear registers a class whose units are all a fixed ratio of a
// base unit (ratios keyed by unit, base unit has ratio 1).
func (r *Registry) addLinear(class Class, ratios map[string]float64) {
	toBase := make(map[string]func(float64) float64, len(ratios))
	fromBase := make(map[string]func(float64) float64, len(ratios))
	for unit, ratio := range ratios {
		ratio := ratio
		toBase[unit] = func(v float64) float64 { return v * ratio }
		fromBase[unit] = func(v float64) float64 { return v / ratio }
		r.unitClass[unit] = class
	}
	r.byClass[class] = &converter{class: class, toBase: toBase, fromBase: fromBase}
}

// UnitClass returns the class a unit belongs to, or false if the unit
// is unknown to the registry.
func (r *Registry) UnitClass(unit string) (Class, bool) {
	c, ok := r.unitClass[unit]
	return c, ok
}

// CanConvert reports whether from and to belong to the same class.
func (r *Registry) CanConvert(from, to string) bool {
	cf, ok1 := r.unitClass[from]
	ct, ok2 := r.unitClass[to]
	return ok1 && ok2 && cf == ct
}

// Convert converts value from one unit to another. A nil value passes
// through unchanged (spec.md §4.1: "identity on null"). An error is
// returned if the units are not members of the same class.
func Convert(r *Registry, value *float64, from, to string) (*float64, error) {
	if value == nil {
		return nil, nil
	}
	if from == to {
		return value, nil
	}
	cf, ok := r.unitClass[from]
	if !ok {
		return nil, fmt.Errorf("units: unknown unit %q", from)
	}
	ct, ok := r.unitClass[to]
	if !ok {
		return nil, fmt.Errorf("units: unknown unit %q", to)
	}
	if cf != ct {
		return nil, fmt.Errorf("units: cannot convert %q (%s) to %q (%s)", from, cf, to, ct)
	}
	conv := r.byClass[cf]
	base := conv.toBase[from](*value)
	out := conv.fromBase[to](base)
	return &out, nil
}

// ConvertValue is the non-pointer convenience form, used by the
// importer's adjust-sum and change-unit paths.
func (r *Registry) ConvertValue(value float64, from, to string) (float64, error) {
	out, err := Convert(r, &value, from, to)
	if err != nil {
		return 0, err
	}
	return *out, nil
}

// ResolveDisplayUnit implements spec.md §4.1's display-unit selection:
// prefer the caller's override for the unit's class, else the live
// entity's current unit if it is a valid member of that class, else
// fall back to the stored unit.
func (r *Registry) ResolveDisplayUnit(storedUnit string, override string, liveUnit string) string {
	storedClass, ok := r.unitClass[storedUnit]
	if !ok {
		return storedUnit
	}
	if override != "" {
		if c, ok := r.unitClass[override]; ok && c == storedClass {
			return override
		}
	}
	if liveUnit != "" {
		if c, ok := r.unitClass[liveUnit]; ok && c == storedClass {
			return liveUnit
		}
	}
	return storedUnit
}
