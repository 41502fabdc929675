package pgstream

import (
	"github.com/lib/pgstream/pkg/buffer"
	"github.com/lib/pgstream/pkg/types"
)

// Field describes a single column of a RowDescription: the static shape
// the codec registry later decodes values against.
type Field struct {
	Name         string
	TableOID     uint32
	ColumnAttr   int16
	DataTypeOID  uint32
	DataTypeSize int16
	TypeModifier int32
	Format       FormatCode
}

// RowDescription is the backend message announcing the shape of the rows a
// query will produce.
type RowDescription struct {
	Fields []Field
}

// DataRow is a single row of raw, still-encoded column values. A nil entry
// represents SQL NULL. Decoding into host values happens through the codec
// registry (`pkg/codec`), keyed by the RowDescription's Field OID/format.
type DataRow struct {
	Values [][]byte
}

// CommandComplete reports the command tag ("SELECT 3", "INSERT 0 1", ...)
// for a finished command.
type CommandComplete struct {
	Tag string
}

// readRowDescription parses a RowDescription message body.
func readRowDescription(reader *buffer.Reader) (RowDescription, error) {
	count, err := reader.GetUint16()
	if err != nil {
		return RowDescription{}, err
	}

	fields := make([]Field, 0, count)
	for i := uint16(0); i < count; i++ {
		name, err := reader.GetString()
		if err != nil {
			return RowDescription{}, err
		}

		tableOID, err := reader.GetUint32()
		if err != nil {
			return RowDescription{}, err
		}

		attr, err := reader.GetUint16()
		if err != nil {
			return RowDescription{}, err
		}

		typeOID, err := reader.GetUint32()
		if err != nil {
			return RowDescription{}, err
		}

		typeSize, err := reader.GetUint16()
		if err != nil {
			return RowDescription{}, err
		}

		typeModifier, err := reader.GetInt32()
		if err != nil {
			return RowDescription{}, err
		}

		format, err := reader.GetUint16()
		if err != nil {
			return RowDescription{}, err
		}

		fields = append(fields, Field{
			Name:         name,
			TableOID:     tableOID,
			ColumnAttr:   int16(attr),
			DataTypeOID:  typeOID,
			DataTypeSize: int16(typeSize),
			TypeModifier: typeModifier,
			Format:       FormatCode(format),
		})
	}

	return RowDescription{Fields: fields}, nil
}

// readDataRow parses a DataRow message body.
func readDataRow(reader *buffer.Reader) (DataRow, error) {
	count, err := reader.GetUint16()
	if err != nil {
		return DataRow{}, err
	}

	values := make([][]byte, count)
	for i := uint16(0); i < count; i++ {
		size, err := reader.GetInt32()
		if err != nil {
			return DataRow{}, err
		}

		v, err := reader.GetBytes(int(size))
		if err != nil {
			return DataRow{}, err
		}

		values[i] = v
	}

	return DataRow{Values: values}, nil
}

// readCommandComplete parses a CommandComplete message body.
func readCommandComplete(reader *buffer.Reader) (CommandComplete, error) {
	tag, err := reader.GetString()
	if err != nil {
		return CommandComplete{}, err
	}

	return CommandComplete{Tag: tag}, nil
}

// readParameterDescription parses a ParameterDescription message body,
// returned during Describe(Statement) to announce parameter type OIDs.
func readParameterDescription(reader *buffer.Reader) ([]uint32, error) {
	count, err := reader.GetUint16()
	if err != nil {
		return nil, err
	}

	oids := make([]uint32, count)
	for i := range oids {
		oid, err := reader.GetUint32()
		if err != nil {
			return nil, err
		}

		oids[i] = oid
	}

	return oids, nil
}

// Notice carries a server NoticeResponse, routed to a side channel rather
// than into any particular exchange's result stream.
type Notice struct {
	Severity string
	Code     string
	Message  string
	Detail   string
	Hint     string
}

// Notification carries an asynchronous NotificationResponse (LISTEN/NOTIFY).
type Notification struct {
	ProcessID int32
	Channel   string
	Payload   string
}

// readErrorFields parses the field/value pairs shared by ErrorResponse and
// NoticeResponse: a sequence of (1-byte field code, NUL-terminated string)
// pairs terminated by a NUL field code.
func readErrorFields(reader *buffer.Reader) (map[buffer.ServerErrFieldType]string, error) {
	fields := map[buffer.ServerErrFieldType]string{}

	for {
		t, err := reader.GetBytes(1)
		if err != nil {
			return nil, err
		}

		if t[0] == 0 {
			return fields, nil
		}

		value, err := reader.GetString()
		if err != nil {
			return nil, err
		}

		fields[buffer.ServerErrFieldType(t[0])] = value
	}
}

func noticeFromFields(fields map[buffer.ServerErrFieldType]string) Notice {
	return Notice{
		Severity: fields[buffer.ServerErrFieldSeverity],
		Code:     fields[buffer.ServerErrFieldSQLState],
		Message:  fields[buffer.ServerErrFieldMsgPrimary],
		Detail:   fields[buffer.ServerErrFieldDetail],
		Hint:     fields[buffer.ServerErrFieldHint],
	}
}

func readNotificationResponse(reader *buffer.Reader) (Notification, error) {
	processID, err := reader.GetInt32()
	if err != nil {
		return Notification{}, err
	}

	channel, err := reader.GetString()
	if err != nil {
		return Notification{}, err
	}

	payload, err := reader.GetString()
	if err != nil {
		return Notification{}, err
	}

	return Notification{ProcessID: processID, Channel: channel, Payload: payload}, nil
}

// readParameterStatus parses a ParameterStatus message body.
func readParameterStatus(reader *buffer.Reader) (name, value string, err error) {
	name, err = reader.GetString()
	if err != nil {
		return "", "", err
	}

	value, err = reader.GetString()
	if err != nil {
		return "", "", err
	}

	return name, value, nil
}

// readBackendKeyData parses a BackendKeyData message body.
func readBackendKeyData(reader *buffer.Reader) (processID, secretKey int32, err error) {
	processID, err = reader.GetInt32()
	if err != nil {
		return 0, 0, err
	}

	secretKey, err = reader.GetInt32()
	if err != nil {
		return 0, 0, err
	}

	return processID, secretKey, nil
}

// readReadyForQuery parses a ReadyForQuery message body.
func readReadyForQuery(reader *buffer.Reader) (types.TransactionStatus, error) {
	b, err := reader.GetBytes(1)
	if err != nil {
		return 0, err
	}

	return types.TransactionStatus(b[0]), nil
}
