// Package units converts recipe quantities between units of the same family.
package units

import "strings"

type Family string

const (
	Mass   Family = "mass"
	Volume Family = "volume"
	Count  Family = "count"
)

type unitInfo struct {
	canonical string
	family    Family
	factor    float64 // size of one unit in the family's base unit
}

var known = map[string]unitInfo{}

func register(canonical string, family Family, factor float64, aliases ...string) {
	info := unitInfo{canonical: canonical, family: family, factor: factor}
	known[canonical] = info
	for _, alias := range aliases {
		known[alias] = info
	}
}

func init() {
	register("g", Mass, 1, "gram", "grams", "gr")
	register("kg", Mass, 1000, "kilogram", "kilograms")
	register("ml", Volume, 1, "milliliter", "milliliters", "millilitre", "millilitres")
	register("l", Volume, 1000, "liter", "liters", "litre", "litres")
	register("pcs", Count, 1, "pc", "piece", "pieces", "unit", "units", "ea", "each")
}

func normalize(unit string) string {
	return strings.ToLower(strings.TrimSpace(unit))
}

func lookup(unit string) (unitInfo, bool) {
	info, ok := known[normalize(unit)]
	return info, ok
}

// Canonical maps an alias such as "grams" to its canonical symbol. Unknown units
// come back normalized but otherwise unchanged.
func Canonical(unit string) string {
	if info, ok := lookup(unit); ok {
		return info.canonical
	}
	return normalize(unit)
}

// Supported reports whether unit belongs to the mass, volume or count family.
func Supported(unit string) bool {
	_, ok := lookup(unit)
	return ok
}

// FamilyOf returns the unit family, or false for unknown units.
func FamilyOf(unit string) (Family, bool) {
	info, ok := lookup(unit)
	return info.family, ok
}

// Convert returns quantity expressed in toUnit. When no conversion is known the
// quantity is returned unchanged; use TryConvert to detect that case.
func Convert(quantity float64, fromUnit, toUnit string) float64 {
	converted, _ := TryConvert(quantity, fromUnit, toUnit)
	return converted
}

// TryConvert is Convert plus a flag that is false when the units differ and no
// conversion between them is known. Matching units always report true.
func TryConvert(quantity float64, fromUnit, toUnit string) (float64, bool) {
	from, to := normalize(fromUnit), normalize(toUnit)
	if from == to {
		return quantity, true
	}
	fromInfo, ok := known[from]
	if !ok {
		return quantity, false
	}
	toInfo, ok := known[to]
	if !ok || fromInfo.family != toInfo.family {
		return quantity, false
	}
	if fromInfo.factor == toInfo.factor {
		return quantity, true
	}
	return quantity * fromInfo.factor / toInfo.factor, true
}
