package recipients

import "github.com/google/uuid"

// Recipients is a tagged union over the three ways a caller can name the
// audience of a send: an explicit number list, a contact-group reference, or
// raw CSV rows from an uploaded file. A Recipients value is resolved by the
// Resolver into one normalized phone-number list before dispatch.
type Recipients struct {
	explicit []string
	groupID  *uuid.UUID
	csvRows  [][]string
}

// Explicit builds a Recipients over raw phone numbers. Each entry may itself
// be a comma-delimited list.
func Explicit(numbers ...string) Recipients {
	return Recipients{explicit: numbers}
}

// Group builds a Recipients referring to a contact group owned by the user.
func Group(groupID uuid.UUID) Recipients {
	return Recipients{groupID: &groupID}
}

// CSVRows builds a Recipients over parsed CSV rows. The first row may be a
// header naming the phone column.
func CSVRows(rows [][]string) Recipients {
	return Recipients{csvRows: rows}
}

// IsZero reports whether no recipient source was supplied.
func (r Recipients) IsZero() bool {
	return len(r.explicit) == 0 && r.groupID == nil && len(r.csvRows) == 0
}
