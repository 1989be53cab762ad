package compile

// JurisdictionDefaults are the court-caption defaults applied when
// generating derived documents for a jurisdiction.
type JurisdictionDefaults struct {
	CourtName  string
	Division   string
	FilingNote string
}

var jurisdictionDefaults = map[string]JurisdictionDefaults{
	"California": {
		CourtName:  "Superior Court of the State of California",
		Division:   "Unlimited Civil Division",
		FilingNote: "Filed pursuant to the California Rules of Court.",
	},
	"New York": {
		CourtName:  "Supreme Court of the State of New York",
		Division:   "Civil Term",
		FilingNote: "Filed pursuant to the CPLR and the Uniform Civil Rules.",
	},
	"Texas": {
		CourtName:  "District Court of the State of Texas",
		Division:   "Civil Division",
		FilingNote: "Filed pursuant to the Texas Rules of Civil Procedure.",
	},
	"Federal": {
		CourtName:  "United States District Court",
		Division:   "Civil Division",
		FilingNote: "Filed pursuant to the Federal Rules of Civil Procedure.",
	},
}

// genericDefaults is the fallback for unknown jurisdictions.
var genericDefaults = JurisdictionDefaults{
	CourtName:  "Court of Competent Jurisdiction",
	Division:   "Civil Division",
	FilingNote: "Filed pursuant to the applicable rules of civil procedure.",
}

// defaultsFor returns the caption defaults for a jurisdiction.
func defaultsFor(jurisdiction string) JurisdictionDefaults {
	if d, ok := jurisdictionDefaults[jurisdiction]; ok {
		return d
	}
	return genericDefaults
}
