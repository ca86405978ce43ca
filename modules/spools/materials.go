package spools

import "strings"

// Default nozzle temperature ranges by material family. These mirror common
// vendor presets and are deliberately coarse; individual spools override them.
var materialTemps = map[string][2]int{
	"PLA":  {190, 230},
	"PETG": {220, 260},
	"ABS":  {240, 280},
	"TPU":  {200, 250},
	"ASA":  {240, 280},
	"PC":   {260, 300},
	"PA":   {260, 300},
	"PVA":  {190, 230},
}

// materialFamily reduces a material name like "pla-cf" or "PETG HF" to the
// family key used by the defaults table.
func materialFamily(material string) string {
	up := strings.ToUpper(strings.TrimSpace(material))
	for _, sep := range []string{"-", " ", "_"} {
		if head, _, ok := strings.Cut(up, sep); ok {
			up = head
		}
	}
	return up
}

// applyMaterialDefaults fills zero temperature bounds from the family table.
// Unknown materials are left untouched.
func applyMaterialDefaults(s *Spool) {
	temps, ok := materialTemps[materialFamily(s.Material)]
	if !ok {
		return
	}
	if s.NozzleTempMin == 0 {
		s.NozzleTempMin = temps[0]
	}
	if s.NozzleTempMax == 0 {
		s.NozzleTempMax = temps[1]
	}
}
