package grib2

// paramName maps (discipline, category, number) to the WMO short name and
// unit. Only discipline 0 (meteorological) parameters that ingestion
// providers actually ship are listed; anything else decodes as "unknown"
// and is left to the caller to skip or reject.
func paramName(discipline, category, number uint8) (name, unit string) {
	if discipline != 0 {
		return "unknown", ""
	}
	switch key(category, number) {
	case key(0, 0):
		return "t", "K"
	case key(0, 6):
		return "dpt", "K"
	case key(1, 1):
		return "r", "%"
	case key(1, 7):
		return "prate", "kg m-2 s-1"
	case key(1, 11):
		return "sde", "m"
	case key(1, 13):
		return "sdwe", "kg m-2"
	case key(2, 0):
		return "wdir", "deg"
	case key(2, 1):
		return "ws", "m s-1"
	case key(2, 2):
		return "u", "m s-1"
	case key(2, 3):
		return "v", "m s-1"
	case key(3, 0):
		return "pres", "Pa"
	case key(3, 1):
		return "prmsl", "Pa"
	case key(3, 5):
		return "gh", "gpm"
	case key(3, 6):
		return "h", "m"
	case key(4, 7):
		return "dswrf", "W m-2"
	case key(5, 3):
		return "dlwrf", "W m-2"
	case key(6, 1):
		return "tcc", "%"
	case key(6, 3):
		return "lcc", "%"
	case key(6, 4):
		return "mcc", "%"
	case key(6, 5):
		return "hcc", "%"
	case key(6, 11):
		return "cdcb", "m"
	case key(6, 12):
		return "cdct", "m"
	case key(19, 0):
		return "vis", "m"
	}
	return "unknown", ""
}

func key(category, number uint8) uint16 {
	return uint16(category)<<8 | uint16(number)
}
