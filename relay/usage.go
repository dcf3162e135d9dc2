package relay

//Usage is one summary record for a dead nameplate or mailbox. Times
//are Unix seconds; WaitingTime is nil unless a second side showed up.
type Usage struct {
	Started     int64
	WaitingTime *int64
	TotalTime   int64
	Result      string
}

//summarizeNameplate derives the usage record for a nameplate from its
//side rows at deletion time
func (a *Application) summarizeNameplate(sides []nameplateSideRow, deleteTime int64, pruned bool) Usage {
	added := make([]int64, 0, len(sides))
	uniq := make(map[string]struct{}, len(sides))
	for _, sr := range sides {
		added = append(added, sr.added)
		uniq[sr.side] = struct{}{}
	}

	var result string
	switch len(uniq) {
	case 0:
		result = "quiet"
	case 1:
		result = "lonely"
	case 2:
		result = "happy"
	default:
		result = "crowded"
	}
	if pruned {
		result = "pruney"
	}

	return a.buildUsage(added, len(uniq), deleteTime, result)
}

//summarizeMailbox derives the usage record for a mailbox. The result
//starts from the side count, then recorded moods override it in a
//fixed order with crowded winning over everything.
func (a *Application) summarizeMailbox(sides []mailboxSideRow, deleteTime int64, pruned bool) Usage {
	added := make([]int64, 0, len(sides))
	uniq := make(map[string]struct{}, len(sides))
	moods := make(map[string]struct{}, len(sides))
	for _, sr := range sides {
		added = append(added, sr.added)
		uniq[sr.side] = struct{}{}
		if sr.mood != "" {
			moods[sr.mood] = struct{}{}
		}
	}

	var result string
	switch len(uniq) {
	case 0:
		result = "quiet"
	case 1:
		result = "lonely"
	default:
		result = "happy"
	}
	if _, ok := moods["lonely"]; ok {
		result = "lonely"
	}
	if _, ok := moods["errory"]; ok {
		result = "errory"
	}
	if _, ok := moods["scary"]; ok {
		result = "scary"
	}
	if pruned {
		result = "pruney"
	}
	if len(uniq) > 2 {
		result = "crowded"
	}

	return a.buildUsage(added, len(uniq), deleteTime, result)
}

func (a *Application) buildUsage(added []int64, numSides int, deleteTime int64, result string) Usage {
	u := Usage{Result: result}
	if len(added) == 0 {
		u.Started = a.blur(deleteTime)
		return u
	}

	added = sortedAddedTimes(added)
	u.Started = a.blur(added[0])
	u.TotalTime = deleteTime - added[0]
	if numSides >= 2 {
		waiting := added[1] - added[0]
		u.WaitingTime = &waiting
	}
	return u
}

func (a *Application) summarizeNameplateAndStore(sides []nameplateSideRow, deleteTime int64, pruned bool) error {
	u := a.summarizeNameplate(sides, deleteTime, pruned)

	_, err := a.usageDB.Exec(`INSERT INTO nameplates (app_id, started, total_time, waiting_time, result)
		VALUES (?, ?, ?, ?, ?)`, a.id, u.Started, u.TotalTime, nullableInt(u.WaitingTime), u.Result)
	return err
}

func (a *Application) summarizeMailboxAndStore(forNameplate bool, sides []mailboxSideRow, deleteTime int64, pruned bool) error {
	u := a.summarizeMailbox(sides, deleteTime, pruned)

	_, err := a.usageDB.Exec(`INSERT INTO mailboxes (app_id, for_nameplate, started, total_time, waiting_time, result)
		VALUES (?, ?, ?, ?, ?, ?)`, a.id, forNameplate, u.Started, u.TotalTime, nullableInt(u.WaitingTime), u.Result)
	return err
}

func nullableInt(p *int64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
