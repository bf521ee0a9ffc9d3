package schema

import "github.com/nwpio/nwpd/internal/nwp"

// Built-in provider mappings. Raw names are the decoder's WMO short names;
// the 10 m wind pair and screen-level temperature carry level restrictions
// because the wholesale files publish the same parameter at several heights.

// CEDA maps the UKV wholesale archive onto the canonical schema.
// Snow depth arrives in metres and becomes kg m-2. Wholesale files are
// hourly, so any step gap beyond one hour truncates the tail.
func CEDA() *Mapping {
	return &Mapping{
		Provider: "ceda",
		Grid:     nwp.UKV2km,
		Vars: []VarMapping{
			{Raw: "t", Level: 1, Canonical: nwp.VarTemperature},
			{Raw: "r", Level: AnyLevel, Canonical: nwp.VarRelativeHumidity},
			{Raw: "prate", Level: AnyLevel, Canonical: nwp.VarPrecipRate},
			{Raw: "sde", Level: AnyLevel, Canonical: nwp.VarSnowDepth, Scale: 1000},
			{Raw: "ws", Level: 10, Canonical: nwp.VarWindSpeed10},
			{Raw: "wdir", Level: 10, Canonical: nwp.VarWindDir10},
			{Raw: "vis", Level: AnyLevel, Canonical: nwp.VarVisibility},
			{Raw: "lcc", Level: AnyLevel, Canonical: nwp.VarCloudLow},
			{Raw: "mcc", Level: AnyLevel, Canonical: nwp.VarCloudMid},
			{Raw: "hcc", Level: AnyLevel, Canonical: nwp.VarCloudHigh},
			{Raw: "dswrf", Level: AnyLevel, Canonical: nwp.VarRadiationSW},
			{Raw: "dlwrf", Level: AnyLevel, Canonical: nwp.VarRadiationLW},
		},
		// Wholesale files carry parameters the canonical schema has no
		// use for; they are dropped without complaint.
		Ignore:          []string{"h", "gh", "cdcb", "cdct", "dpt", "prmsl"},
		MaxStepGapHours: 1,
	}
}

// MetOffice maps DataHub order files onto the canonical schema. Files are
// single-parameter, already in canonical units.
func MetOffice() *Mapping {
	return &Mapping{
		Provider: "metoffice",
		Grid:     nwp.GlobalUK,
		Vars: []VarMapping{
			{Raw: "t", Level: AnyLevel, Canonical: nwp.VarTemperature},
			{Raw: "r", Level: AnyLevel, Canonical: nwp.VarRelativeHumidity},
			{Raw: "prate", Level: AnyLevel, Canonical: nwp.VarPrecipRate},
			{Raw: "sdwe", Level: AnyLevel, Canonical: nwp.VarSnowDepth},
			{Raw: "ws", Level: 10, Canonical: nwp.VarWindSpeed10},
			{Raw: "wdir", Level: 10, Canonical: nwp.VarWindDir10},
			{Raw: "vis", Level: AnyLevel, Canonical: nwp.VarVisibility},
			{Raw: "lcc", Level: AnyLevel, Canonical: nwp.VarCloudLow},
			{Raw: "mcc", Level: AnyLevel, Canonical: nwp.VarCloudMid},
			{Raw: "hcc", Level: AnyLevel, Canonical: nwp.VarCloudHigh},
			{Raw: "dswrf", Level: AnyLevel, Canonical: nwp.VarRadiationSW},
			{Raw: "dlwrf", Level: AnyLevel, Canonical: nwp.VarRadiationLW},
		},
		Ignore: []string{"gh", "prmsl"},
	}
}

// Icon maps the DWD ICON-EU open-data tree onto the canonical schema.
// Screen-level fields sit at 2 m; snow depth arrives in metres.
func Icon() *Mapping {
	return &Mapping{
		Provider: "icon",
		Grid:     nwp.IconEU,
		Vars: []VarMapping{
			{Raw: "t", Level: 2, Canonical: nwp.VarTemperature},
			{Raw: "r", Level: 2, Canonical: nwp.VarRelativeHumidity},
			{Raw: "prate", Level: AnyLevel, Canonical: nwp.VarPrecipRate},
			{Raw: "sde", Level: AnyLevel, Canonical: nwp.VarSnowDepth, Scale: 1000},
			{Raw: "ws", Level: 10, Canonical: nwp.VarWindSpeed10},
			{Raw: "wdir", Level: 10, Canonical: nwp.VarWindDir10},
			{Raw: "vis", Level: AnyLevel, Canonical: nwp.VarVisibility},
			{Raw: "lcc", Level: AnyLevel, Canonical: nwp.VarCloudLow},
			{Raw: "mcc", Level: AnyLevel, Canonical: nwp.VarCloudMid},
			{Raw: "hcc", Level: AnyLevel, Canonical: nwp.VarCloudHigh},
			{Raw: "dswrf", Level: AnyLevel, Canonical: nwp.VarRadiationSW},
			{Raw: "dlwrf", Level: AnyLevel, Canonical: nwp.VarRadiationLW},
		},
		Ignore: []string{"dpt", "prmsl", "gh"},
	}
}
