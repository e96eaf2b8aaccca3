package tabletop

// Row store table names.
const (
	TableTokens         = "tokens"
	TableFogDocuments   = "fog_documents"
	TableEncounters     = "encounters"
	TableParticipants   = "participants"
	TablePlaybackStates = "playback_states"
	TableDiceRolls      = "dice_rolls"
	TableCharacters     = "characters"
	TableMapSessions    = "map_sessions"
)

var dmOnlyTables = map[string]bool{
	TableFogDocuments:   true,
	TableEncounters:     true,
	TableParticipants:   true,
	TablePlaybackStates: true,
	TableMapSessions:    true,
	TableCharacters:     true,
}

// DMOnly reports whether writes to table require the DM role.
func DMOnly(table string) bool {
	return dmOnlyTables[table]
}

var appendOnlyTables = map[string]bool{
	TableDiceRolls: true,
}

// AppendOnly reports whether rows of table may only be inserted, never
// replaced, patched or deleted.
func AppendOnly(table string) bool {
	return appendOnlyTables[table]
}

// Known reports whether table is part of the session data model.
func Known(table string) bool {
	switch table {
	case TableTokens, TableFogDocuments, TableEncounters, TableParticipants,
		TablePlaybackStates, TableDiceRolls, TableCharacters, TableMapSessions:
		return true
	}
	return false
}
