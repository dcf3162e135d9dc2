package db

//Target schema versions for the two databases. Files at older versions
//are upgraded in place at open time; files at newer versions are refused.
const (
	ChannelDBVersion = 1
	UsageDBVersion   = 2
)

//schemaFor returns the full schema script for (name, version)
func schemaFor(name string, version int) (string, bool) {
	switch {
	case name == "channel" && version == 1:
		return channelSchemaV1, true
	case name == "usage" && version == 1:
		return usageSchemaV1, true
	case name == "usage" && version == 2:
		return usageSchemaV2, true
	}
	return "", false
}

//upgraderFor returns the script that upgrades (name) from
//newVersion-1 to newVersion
func upgraderFor(name string, newVersion int) (string, bool) {
	if name == "usage" && newVersion == 2 {
		return upgradeUsageToV2, true
	}
	return "", false
}

const channelSchemaV1 = `
CREATE TABLE version (
	version INTEGER NOT NULL
);

-- Live channel state

CREATE TABLE mailboxes (
	app_id VARCHAR,
	id VARCHAR PRIMARY KEY,
	updated INTEGER,
	for_nameplate BOOLEAN
);
CREATE INDEX idx_mailboxes ON mailboxes (app_id, id);

CREATE TABLE mailbox_sides (
	mailbox_id VARCHAR REFERENCES mailboxes(id),
	opened BOOLEAN,
	side VARCHAR,
	added INTEGER,
	mood VARCHAR
);
CREATE INDEX idx_mailbox_sides ON mailbox_sides (mailbox_id);

CREATE TABLE nameplates (
	id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	app_id VARCHAR,
	name VARCHAR,
	mailbox_id VARCHAR REFERENCES mailboxes(id),
	request_id VARCHAR DEFAULT ''
);
CREATE INDEX idx_nameplates ON nameplates (app_id, name);
CREATE INDEX idx_nameplates_mailbox ON nameplates (app_id, mailbox_id);

CREATE TABLE nameplate_sides (
	nameplates_id INTEGER REFERENCES nameplates(id) NOT NULL,
	claimed BOOLEAN,
	side VARCHAR,
	added INTEGER
);
CREATE INDEX idx_nameplate_sides ON nameplate_sides (nameplates_id, side);

CREATE TABLE messages (
	app_id VARCHAR,
	mailbox_id VARCHAR REFERENCES mailboxes(id),
	side VARCHAR,
	phase VARCHAR,
	body VARCHAR,
	server_rx INTEGER,
	msg_id VARCHAR
);
CREATE INDEX idx_messages ON messages (app_id, mailbox_id);
`

const usageSchemaV1 = `
CREATE TABLE version (
	version INTEGER NOT NULL
);

-- Summaries of closed or pruned channels

CREATE TABLE nameplates (
	app_id VARCHAR,
	started INTEGER,
	total_time INTEGER,
	waiting_time INTEGER,
	result VARCHAR
);
CREATE INDEX idx_nameplates_result ON nameplates (app_id, result);

CREATE TABLE mailboxes (
	app_id VARCHAR,
	for_nameplate BOOLEAN,
	started INTEGER,
	total_time INTEGER,
	waiting_time INTEGER,
	result VARCHAR
);
CREATE INDEX idx_mailboxes_result ON mailboxes (app_id, result);

CREATE TABLE current (
	rebooted INTEGER,
	updated INTEGER,
	blur_time INTEGER,
	connections_websocket INTEGER
);
`

const usageSchemaV2 = usageSchemaV1 + `
CREATE TABLE client_versions (
	app_id VARCHAR,
	side VARCHAR,
	connect_time INTEGER,
	implementation VARCHAR,
	version VARCHAR
);
CREATE INDEX idx_client_versions ON client_versions (app_id, connect_time);
`

const upgradeUsageToV2 = `
CREATE TABLE client_versions (
	app_id VARCHAR,
	side VARCHAR,
	connect_time INTEGER,
	implementation VARCHAR,
	version VARCHAR
);
CREATE INDEX idx_client_versions ON client_versions (app_id, connect_time);

UPDATE version SET version=2;
`
