package poreflow

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	sqlx "github.com/jmoiron/sqlx" //make alias name the package to sqlx
	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Stored in the data_format column of every blob.
const sampleFormat = "zstd<f8"

// Experiment describes the conditions shared by every channel of a run.
type Experiment struct {
	Name         string  `db:"name"`
	Voltage      float64 `db:"voltage"`
	Thickness    float64 `db:"thickness"`
	Conductivity float64 `db:"conductivity"`
}

type sqlDialect struct {
	autoID       string
	text         string
	blob         string
	insertIgnore string
}

var dialects = map[string]sqlDialect{
	"sqlite3": {
		autoID:       "INTEGER PRIMARY KEY AUTOINCREMENT",
		text:         "TEXT",
		blob:         "BLOB",
		insertIgnore: "INSERT OR IGNORE",
	},
	"mysql": {
		autoID:       "INTEGER PRIMARY KEY AUTO_INCREMENT",
		text:         "VARCHAR(255)",
		blob:         "LONGBLOB",
		insertIgnore: "INSERT IGNORE",
	},
}

// Metadata keys become column names, so they are restricted to identifiers.
var columnName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// units of the metadata columns, by table
var metadataUnits = map[string]map[string]string{
	"events":    EventMetadataUnits,
	"sublevels": SublevelMetadataUnits,
}

// ConnectToDatabase opens the metadata database selected by the configuration:
// a file for sqlite3 or a server for mysql.
func ConnectToDatabase(config Configuration) (*sqlx.DB, error) {
	switch config.DBDriver {
	case "sqlite3":
		db, err := sqlx.Connect("sqlite3", config.DBPath)
		if err != nil {
			return nil, err
		}
		// one connection keeps in-memory databases alive and serializes writers
		db.SetMaxOpenConns(1)
		return db, nil
	case "mysql":
		port := "3306"
		dbURI := fmt.Sprintf("%s:%s@(%s:%s)/%s?parseTime=true", config.User, config.Passwd, config.Host, port, config.DBName)
		return sqlx.Connect("mysql", dbURI)
	}
	return nil, &SettingsError{Field: "db_driver", Reason: fmt.Sprintf("unsupported driver %q", config.DBDriver)}
}

// MetadataDB stores fitted events: one events row per event, one sublevels
// row per level and the filtered, raw and fitted samples as compressed blobs.
// Metadata columns are added the first time a key is written.
type MetadataDB struct {
	db           *sqlx.DB
	dialect      sqlDialect
	experiment   Experiment
	experimentID int64
	channels     map[int]int64
	columns      map[string]map[string]bool

	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.Mutex
}

// NewMetadataDB creates the schema if needed and registers the experiment.
// An experiment without a name gets a random one.
func NewMetadataDB(db *sqlx.DB, experiment Experiment) (*MetadataDB, error) {
	dialect, ok := dialects[db.DriverName()]
	if !ok {
		return nil, &SettingsError{Field: "db_driver", Reason: fmt.Sprintf("unsupported driver %q", db.DriverName())}
	}
	if experiment.Name == "" {
		experiment.Name = uuid.NewString()
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	m := &MetadataDB{
		db:         db,
		dialect:    dialect,
		experiment: experiment,
		channels:   map[int]int64{},
		columns:    map[string]map[string]bool{},
		encoder:    encoder,
		decoder:    decoder,
	}
	if err := m.initialize(); err != nil {
		return nil, fmt.Errorf("error initializing metadata database: %w", err)
	}
	return m, nil
}

func (m *MetadataDB) schema() []string {
	d := m.dialect
	return []string{
		`CREATE TABLE IF NOT EXISTS experiments (
			id ` + d.autoID + `,
			name ` + d.text + ` NOT NULL UNIQUE,
			voltage REAL NOT NULL,
			thickness REAL NOT NULL,
			conductivity REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id ` + d.autoID + `,
			experiment_id INTEGER NOT NULL,
			channel_id INTEGER NOT NULL,
			samplerate REAL NOT NULL,
			UNIQUE (experiment_id, channel_id)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id ` + d.autoID + `,
			experiment_id INTEGER NOT NULL,
			channel_db_id INTEGER NOT NULL,
			channel_id INTEGER NOT NULL,
			event_id INTEGER NOT NULL,
			start_time REAL NOT NULL,
			num_sublevels INTEGER NOT NULL,
			UNIQUE (channel_db_id, event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS sublevels (
			id ` + d.autoID + `,
			experiment_id INTEGER NOT NULL,
			channel_db_id INTEGER NOT NULL,
			event_db_id INTEGER NOT NULL,
			channel_id INTEGER NOT NULL,
			event_id INTEGER NOT NULL,
			level_id INTEGER NOT NULL,
			levels_left INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS data (
			id ` + d.autoID + `,
			experiment_id INTEGER NOT NULL,
			channel_db_id INTEGER NOT NULL,
			event_db_id INTEGER NOT NULL,
			channel_id INTEGER NOT NULL,
			event_id INTEGER NOT NULL,
			data_format ` + d.text + ` NOT NULL,
			filtered_data ` + d.blob + ` NOT NULL,
			raw_data ` + d.blob + ` NOT NULL,
			fit_data ` + d.blob + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS columns (
			id ` + d.autoID + `,
			name ` + d.text + ` NOT NULL,
			table_name ` + d.text + ` NOT NULL,
			units ` + d.text + `,
			UNIQUE (name, table_name)
		)`,
	}
}

func (m *MetadataDB) initialize() error {
	for _, query := range m.schema() {
		if _, err := m.db.Exec(query); err != nil {
			return err
		}
	}
	for _, table := range []string{"events", "sublevels"} {
		existing, err := m.tableColumns(table)
		if err != nil {
			return err
		}
		m.columns[table] = existing
		names := maps.Keys(existing)
		slices.Sort(names)
		for _, name := range names {
			if units, ok := metadataUnits[table][name]; ok {
				if err := m.registerColumn(m.db, name, table, units); err != nil {
					return err
				}
			}
		}
	}

	err := m.db.Get(&m.experimentID, "SELECT id FROM experiments WHERE name = ?", m.experiment.Name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := m.db.NamedExec("INSERT INTO experiments (name, voltage, thickness, conductivity) VALUES (:name, :voltage, :thickness, :conductivity)", m.experiment)
		if err != nil {
			return fmt.Errorf("error inserting experiment %s: %w", m.experiment.Name, err)
		}
		if m.experimentID, err = res.LastInsertId(); err != nil {
			return err
		}
		for _, name := range []string{"voltage", "thickness", "conductivity"} {
			units := map[string]string{"voltage": "mV", "thickness": "nm", "conductivity": "S/m"}[name]
			if err := m.registerColumn(m.db, name, "experiments", units); err != nil {
				return err
			}
		}
	case err != nil:
		return fmt.Errorf("error querying experiment %s: %w", m.experiment.Name, err)
	default:
		logInfo(fmt.Sprintf("Experiment already exists: %s", m.experiment.Name), "database")
	}
	return nil
}

// tableColumns lists the columns of a table from an empty result set, which
// works the same on every driver.
func (m *MetadataDB) tableColumns(table string) (map[string]bool, error) {
	rows, err := m.db.Queryx("SELECT * FROM " + table + " LIMIT 0")
	if err != nil {
		return nil, fmt.Errorf("error querying columns of %s: %w", table, err)
	}
	defer rows.Close()
	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	columns := make(map[string]bool, len(names))
	for _, name := range names {
		columns[name] = true
	}
	return columns, nil
}

func (m *MetadataDB) registerColumn(exec sqlx.Execer, name, table, units string) error {
	_, err := exec.Exec(m.dialect.insertIgnore+" INTO columns (name, table_name, units) VALUES (?, ?, ?)", name, table, units)
	return err
}

// ensureColumns adds the metadata keys missing from a table. Column changes
// run outside the event transaction because MySQL commits implicitly on DDL.
func (m *MetadataDB) ensureColumns(table string, keys []string) error {
	for _, key := range keys {
		if !columnName.MatchString(key) {
			return fmt.Errorf("invalid metadata key %q", key)
		}
		if m.columns[table][key] {
			continue
		}
		sqlType := "REAL"
		if integerFields[key] {
			sqlType = "INTEGER"
		}
		if _, err := m.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, key, sqlType)); err != nil {
			return fmt.Errorf("error adding column %s to %s: %w", key, table, err)
		}
		if err := m.registerColumn(m.db, key, table, metadataUnits[table][key]); err != nil {
			return err
		}
		m.columns[table][key] = true
		logInfo(fmt.Sprintf("Added column %s to table %s", key, table), "database")
	}
	return nil
}

// AddChannel registers a channel of the experiment. It must be called before
// the first event of the channel is written.
func (m *MetadataDB) AddChannel(channel int, samplerate float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.db.Exec(m.dialect.insertIgnore+" INTO channels (experiment_id, channel_id, samplerate) VALUES (?, ?, ?)", m.experimentID, channel, samplerate)
	if err != nil {
		return fmt.Errorf("error inserting channel %d: %w", channel, err)
	}
	var id int64
	if err := m.db.Get(&id, "SELECT id FROM channels WHERE experiment_id = ? AND channel_id = ?", m.experimentID, channel); err != nil {
		return fmt.Errorf("error querying channel %d: %w", channel, err)
	}
	m.channels[channel] = id
	return nil
}

func columnValue(key string, v float64) any {
	if integerFields[key] {
		return int64(v)
	}
	return v
}

// WriteEvent stores one fitted event in a single transaction.
func (m *MetadataDB) WriteEvent(channel int, event EventMetadata, sublevels SublevelMetadata, filtered, raw, fit []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	channelDBID, ok := m.channels[channel]
	if !ok {
		return fmt.Errorf("channel %d for experiment %s not found", channel, m.experiment.Name)
	}
	eventKeys := maps.Keys(event)
	slices.Sort(eventKeys)
	sublevelKeys := maps.Keys(sublevels)
	slices.Sort(sublevelKeys)
	if err := m.ensureColumns("events", eventKeys); err != nil {
		return err
	}
	if err := m.ensureColumns("sublevels", sublevelKeys); err != nil {
		return err
	}

	tx, err := m.db.Beginx()
	if err != nil {
		return err
	}
	if err := m.insertEvent(tx, channel, channelDBID, event, eventKeys, sublevels, sublevelKeys, filtered, raw, fit); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		logger.Error(fmt.Sprintf("Failed to write event %v of channel %d: %v", event["event_id"], channel, err))
		return err
	}
	return tx.Commit()
}

func (m *MetadataDB) insertEvent(tx *sqlx.Tx, channel int, channelDBID int64, event EventMetadata, eventKeys []string,
	sublevels SublevelMetadata, sublevelKeys []string, filtered, raw, fit []float64) error {
	values := make([]any, 0, len(eventKeys)+2)
	for _, key := range eventKeys {
		values = append(values, columnValue(key, event[key]))
	}
	values = append(values, m.experimentID, channelDBID)
	query := fmt.Sprintf("INSERT INTO events (%s, experiment_id, channel_db_id) VALUES (%s?, ?)",
		strings.Join(eventKeys, ", "), strings.Repeat("?, ", len(eventKeys)))
	res, err := tx.Exec(query, values...)
	if err != nil {
		return fmt.Errorf("error inserting event: %w", err)
	}
	eventDBID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	if len(sublevelKeys) > 0 {
		query = fmt.Sprintf("INSERT INTO sublevels (%s, experiment_id, channel_db_id, event_db_id) VALUES (%s?, ?, ?)",
			strings.Join(sublevelKeys, ", "), strings.Repeat("?, ", len(sublevelKeys)))
		stmt, err := tx.Preparex(query)
		if err != nil {
			return err
		}
		defer stmt.Close()
		rows := len(sublevels[sublevelKeys[0]])
		for i := 0; i < rows; i++ {
			values = values[:0]
			for _, key := range sublevelKeys {
				values = append(values, columnValue(key, sublevels[key][i]))
			}
			values = append(values, m.experimentID, channelDBID, eventDBID)
			if _, err := stmt.Exec(values...); err != nil {
				return fmt.Errorf("error inserting sublevel %d: %w", i, err)
			}
		}
	}

	_, err = tx.Exec(`INSERT INTO data (experiment_id, channel_id, channel_db_id, event_id, event_db_id, data_format, filtered_data, raw_data, fit_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.experimentID, channel, channelDBID, int64(event["event_id"]), eventDBID, sampleFormat,
		m.encodeSamples(filtered), m.encodeSamples(raw), m.encodeSamples(fit))
	if err != nil {
		return fmt.Errorf("error inserting event data: %w", err)
	}
	return nil
}

// ResetChannel deletes everything written for a channel of the experiment.
func (m *MetadataDB) ResetChannel(channel int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	channelDBID, ok := m.channels[channel]
	if !ok {
		return nil
	}
	tx, err := m.db.Beginx()
	if err != nil {
		return err
	}
	for _, table := range []string{"data", "sublevels", "events"} {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE channel_db_id = ?", channelDBID); err != nil {
			tx.Rollback()
			return fmt.Errorf("error resetting channel %d: %w", channel, err)
		}
	}
	return tx.Commit()
}

// EventMetadata reads back the metadata columns of every event of a channel
// ordered by event id.
func (m *MetadataDB) EventMetadata(channel int) ([]EventMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, err := m.db.Queryx("SELECT * FROM events WHERE experiment_id = ? AND channel_id = ? ORDER BY event_id", m.experimentID, channel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventMetadata
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("error scanning DB row: %w", err)
		}
		event := EventMetadata{}
		for key, value := range row {
			switch key {
			case "id", "experiment_id", "channel_db_id":
				continue
			}
			if f, ok := toFloat(value); ok {
				event[key] = f
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// ColumnUnits maps the registered columns of a table to their units.
func (m *MetadataDB) ColumnUnits(table string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var columns []struct {
		Name  string         `db:"name"`
		Units sql.NullString `db:"units"`
	}
	if err := m.db.Select(&columns, "SELECT name, units FROM columns WHERE table_name = ?", table); err != nil {
		return nil, fmt.Errorf("error querying columns of %s: %w", table, err)
	}
	units := make(map[string]string, len(columns))
	for _, c := range columns {
		units[c.Name] = c.Units.String
	}
	return units, nil
}

// EventData reads back the filtered, raw and fitted samples of one event.
func (m *MetadataDB) EventData(channel, eventID int) (filtered, raw, fit []float64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var row struct {
		Format   string `db:"data_format"`
		Filtered []byte `db:"filtered_data"`
		Raw      []byte `db:"raw_data"`
		Fit      []byte `db:"fit_data"`
	}
	err = m.db.Get(&row, "SELECT data_format, filtered_data, raw_data, fit_data FROM data WHERE experiment_id = ? AND channel_id = ? AND event_id = ?", m.experimentID, channel, eventID)
	if err != nil {
		return nil, nil, nil, err
	}
	if row.Format != sampleFormat {
		return nil, nil, nil, fmt.Errorf("unknown data format %q", row.Format)
	}
	if filtered, err = m.decodeSamples(row.Filtered); err != nil {
		return nil, nil, nil, err
	}
	if raw, err = m.decodeSamples(row.Raw); err != nil {
		return nil, nil, nil, err
	}
	if fit, err = m.decodeSamples(row.Fit); err != nil {
		return nil, nil, nil, err
	}
	return filtered, raw, fit, nil
}

func (m *MetadataDB) Close() error {
	m.encoder.Close()
	m.decoder.Close()
	return m.db.Close()
}

func (m *MetadataDB) encodeSamples(data []float64) []byte {
	buf := make([]byte, 8*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	// never nil, a nil slice is stored as NULL
	return m.encoder.EncodeAll(buf, make([]byte, 0, len(buf)/2+16))
}

func (m *MetadataDB) decodeSamples(blob []byte) ([]float64, error) {
	buf, err := m.decoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("error decompressing samples: %w", err)
	}
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("sample blob of %d bytes is not a whole number of doubles", len(buf))
	}
	data := make([]float64, len(buf)/8)
	for i := range data {
		data[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return data, nil
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case []byte:
		var f float64
		if _, err := fmt.Sscan(string(v), &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
