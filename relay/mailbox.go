package relay

import (
	"database/sql"

	"wormhole-mailbox/log"
)

//SidedMessage is one relayed message as stored and broadcast: which
//side sent it, the client-chosen phase label, the opaque body, the
//server receipt time, and the client-supplied deduplication hint.
type SidedMessage struct {
	Side     string
	Phase    string
	Body     string
	ServerRX int64
	MsgID    string
}

//DeliverFunc receives one message for a subscribed connection. It must
//not block on further store work.
type DeliverFunc func(SidedMessage)

//StopFunc tells a subscribed connection to disconnect
type StopFunc func()

type listenerEntry struct {
	deliver DeliverFunc
	stop    StopFunc
}

//Mailbox wraps one channel row with the live subscription set for it.
//An object exists only while some connection is interested in the
//mailbox; the row underneath outlives it until close or pruning.
//
//All methods assume the owning Server's dispatch lock is held.
type Mailbox struct {
	app       *Application
	db        *sql.DB
	usageDB   *sql.DB
	appID     string
	mailboxID string

	listeners map[interface{}]listenerEntry
}

func newMailbox(app *Application, mailboxID string) *Mailbox {
	return &Mailbox{
		app:       app,
		db:        app.db,
		usageDB:   app.usageDB,
		appID:     app.id,
		mailboxID: mailboxID,

		listeners: make(map[interface{}]listenerEntry),
	}
}

//ID returns the mailbox identifier
func (m *Mailbox) ID() string {
	return m.mailboxID
}

//Open registers a side on the mailbox. The first open by a side
//inserts its row; later opens re-assert opened without touching the
//added timestamp, which tolerates clients that saw their close
//delivered but lost the ack.
func (m *Mailbox) Open(side string, when int64) error {
	var opened bool
	row := m.db.QueryRow(`SELECT opened FROM mailbox_sides WHERE mailbox_id=? AND side=?`,
		m.mailboxID, side)
	if err := row.Scan(&opened); err != nil {
		if err != sql.ErrNoRows {
			return err
		}
		_, err = m.db.Exec(`INSERT INTO mailbox_sides (mailbox_id, opened, side, added)
			VALUES (?, ?, ?, ?)`, m.mailboxID, true, side, when)
		if err != nil {
			return err
		}
	} else if !opened {
		_, err = m.db.Exec(`UPDATE mailbox_sides SET opened=? WHERE mailbox_id=? AND side=?`,
			true, m.mailboxID, side)
		if err != nil {
			return err
		}
	}

	return m.Touch(when)
}

//Touch refreshes the mailbox row's updated timestamp, which is what
//the pruning pass inspects
func (m *Mailbox) Touch(when int64) error {
	_, err := m.db.Exec(`UPDATE mailboxes SET updated=? WHERE id=?`, when, m.mailboxID)
	return err
}

//GetMessages returns the full message history for this mailbox in
//receipt order
func (m *Mailbox) GetMessages() ([]SidedMessage, error) {
	var msgs []SidedMessage

	rows, err := m.db.Query(`SELECT side, phase, body, server_rx, msg_id FROM messages
		WHERE app_id=? AND mailbox_id=? ORDER BY server_rx ASC`, m.appID, m.mailboxID)
	if err != nil {
		return msgs, err
	}
	defer rows.Close()

	for rows.Next() {
		var sm SidedMessage
		if err = rows.Scan(&sm.Side, &sm.Phase, &sm.Body, &sm.ServerRX, &sm.MsgID); err != nil {
			return msgs, err
		}
		msgs = append(msgs, sm)
	}
	return msgs, rows.Err()
}

//AddListener registers a subscription under an opaque comparable
//handle and returns the current history. Replay and registration
//happen within one dispatch step, so a subscriber sees history
//followed by live messages with no gap and no duplicates.
func (m *Mailbox) AddListener(handle interface{}, deliver DeliverFunc, stop StopFunc) ([]SidedMessage, error) {
	m.listeners[handle] = listenerEntry{deliver: deliver, stop: stop}
	return m.GetMessages()
}

//RemoveListener drops a subscription. Unknown handles are ignored.
func (m *Mailbox) RemoveListener(handle interface{}) {
	delete(m.listeners, handle)
}

//HasListeners reports whether any connection is subscribed
func (m *Mailbox) HasListeners() bool {
	return len(m.listeners) > 0
}

//CountListeners returns the number of subscribed connections
func (m *Mailbox) CountListeners() int {
	return len(m.listeners)
}

//AddMessage persists one message and synchronously delivers it to
//every subscribed connection. Adds are not idempotent at the server;
//clients suppress duplicates by msg_id.
func (m *Mailbox) AddMessage(sm SidedMessage) error {
	_, err := m.db.Exec(`INSERT INTO messages (app_id, mailbox_id, side, phase, body, server_rx, msg_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.appID, m.mailboxID, sm.Side, sm.Phase, sm.Body, sm.ServerRX, sm.MsgID)
	if err != nil {
		return err
	}
	if err = m.Touch(sm.ServerRX); err != nil {
		return err
	}

	metricMessages.Inc()
	for _, l := range m.listeners {
		l.deliver(sm)
	}
	return nil
}

//Close records a side's departure with its mood. When the last open
//side leaves, the mailbox and everything hanging off it is deleted, a
//usage summary is recorded, remaining listeners are stopped, and the
//object is forgotten by its application.
func (m *Mailbox) Close(side, mood string, when int64) error {
	var forNameplate bool
	row := m.db.QueryRow(`SELECT for_nameplate FROM mailboxes WHERE app_id=? AND id=?`,
		m.appID, m.mailboxID)
	if err := row.Scan(&forNameplate); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}

	var opened bool
	row = m.db.QueryRow(`SELECT opened FROM mailbox_sides WHERE mailbox_id=? AND side=?`,
		m.mailboxID, side)
	if err := row.Scan(&opened); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}

	_, err := m.db.Exec(`UPDATE mailbox_sides SET opened=?, mood=? WHERE mailbox_id=? AND side=?`,
		false, mood, m.mailboxID, side)
	if err != nil {
		return err
	}

	sides, err := m.sideRows()
	if err != nil {
		return err
	}
	for _, sr := range sides {
		if sr.opened {
			return nil
		}
	}

	//Nobody left. A still-claimed nameplate would trip the foreign key
	//on the mailbox delete, so its rows go first. The side match here
	//spans the whole table, not just this mailbox's nameplate.
	if _, err = m.db.Exec(`DELETE FROM nameplate_sides WHERE side=?`, side); err != nil {
		return err
	}
	if _, err = m.db.Exec(`DELETE FROM nameplates WHERE mailbox_id=?`, m.mailboxID); err != nil {
		return err
	}
	if _, err = m.db.Exec(`DELETE FROM messages WHERE mailbox_id=?`, m.mailboxID); err != nil {
		return err
	}
	if _, err = m.db.Exec(`DELETE FROM mailbox_sides WHERE mailbox_id=?`, m.mailboxID); err != nil {
		return err
	}
	if _, err = m.db.Exec(`DELETE FROM mailboxes WHERE id=?`, m.mailboxID); err != nil {
		return err
	}

	if m.usageDB != nil {
		if err = m.app.summarizeMailboxAndStore(forNameplate, sides, when, false); err != nil {
			log.Err("recording mailbox usage for %s", m.mailboxID, err)
		}
	}

	for _, l := range m.listeners {
		l.stop()
	}
	m.listeners = make(map[interface{}]listenerEntry)
	m.app.FreeMailbox(m.mailboxID)

	return nil
}

//shutdown stops every listener without touching durable state. Used
//when the whole server is going down, to boot lingering clients.
func (m *Mailbox) shutdown() {
	for _, l := range m.listeners {
		l.stop()
	}
	m.listeners = make(map[interface{}]listenerEntry)
}

type mailboxSideRow struct {
	opened bool
	side   string
	added  int64
	mood   string
}

func (m *Mailbox) sideRows() ([]mailboxSideRow, error) {
	rows, err := m.db.Query(`SELECT opened, side, added, mood FROM mailbox_sides WHERE mailbox_id=?`,
		m.mailboxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sides []mailboxSideRow
	for rows.Next() {
		var sr mailboxSideRow
		var mood sql.NullString
		if err = rows.Scan(&sr.opened, &sr.side, &sr.added, &mood); err != nil {
			return nil, err
		}
		sr.mood = mood.String
		sides = append(sides, sr)
	}
	return sides, rows.Err()
}
