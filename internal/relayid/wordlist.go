package relayid

// adjectives and nouns are two disjoint, aviation-themed word lists used to
// assemble session identifiers. Keeping them disjoint means a generated
// identifier's two halves are never interchangeable, which has no
// correctness implication but keeps identifiers visually distinct from
// accidental palindromic collisions during manual log review.
var adjectives = []string{
	"amber", "bravo", "cirrus", "delta", "echo", "fox", "golden", "haze",
	"indigo", "juliet", "kilo", "lima", "mach", "nova", "oscar", "papa",
	"quiet", "radar", "silver", "tango", "umber", "victor", "whiskey",
	"xray", "yankee", "zulu", "crimson", "polar", "solar", "steady",
}

var nouns = []string{
	"altimeter", "beacon", "cockpit", "descent", "elevator", "flap",
	"glider", "hangar", "instrument", "jetstream", "keel", "landing",
	"manifold", "nacelle", "outbound", "pylon", "quadrant", "rudder",
	"squawk", "throttle", "updraft", "vector", "wingtip", "yaw",
	"approach", "runway", "taxiway", "tower", "turbine", "waypoint",
}
