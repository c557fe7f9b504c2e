package zk

// Features reports the optional capabilities of the server the session is
// currently attached to, derived from the version tuple returned by the
// `srvr` probe.
type Features struct {
	CreateWithStat bool // create2, >= 3.5.0
	Containers     bool // container znodes, >= 3.5.1
	Reconfigure    bool // dynamic reconfiguration, >= 3.5.0
}

func versionAtLeast(v, want [3]int) bool {
	for i := range 3 {
		if v[i] != want[i] {
			return v[i] > want[i]
		}
	}
	return true
}

func featuresForVersion(v [3]int) Features {
	return Features{
		CreateWithStat: versionAtLeast(v, [3]int{3, 5, 0}),
		Containers:     versionAtLeast(v, [3]int{3, 5, 1}),
		Reconfigure:    versionAtLeast(v, [3]int{3, 5, 0}),
	}
}
