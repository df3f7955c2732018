package stepflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// ToPtr returns a pointer to the given value.
// This is useful for creating pointers to literals or converting values to pointers.
func ToPtr[T any](v T) *T {
	return &v
}

type actorKey struct{}

// WithActor returns a context that attributes state changes to userID
func WithActor(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

// ActorFrom returns the acting user of ctx, or fallback if none was set
func ActorFrom(ctx context.Context, fallback string) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return fallback
}

// ParseRule parses a "table;field" reference and a signed offset in seconds.
// An empty reference yields a nil rule.
func ParseRule(ref string, offset string) (*Rule, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}

	table, field, ok := strings.Cut(ref, ";")
	table = strings.TrimSpace(table)
	field = strings.TrimSpace(field)
	if !ok || table == "" || field == "" {
		return nil, NewErrorWithRef(ErrCodeValidation, "rule must have the form table;field", ref)
	}

	var off int64
	if s := strings.TrimSpace(offset); s != "" {
		v, err := strconv.ParseInt(strings.TrimPrefix(s, "+"), 10, 64)
		if err != nil {
			return nil, NewErrorWithRef(ErrCodeValidation, "rule offset must be a whole number of seconds", offset)
		}
		off = v
	}

	return &Rule{Table: table, Field: field, Offset: off}, nil
}

// String renders the rule in its "table;field+offset" form
func (r *Rule) String() string {
	if r == nil {
		return ""
	}
	return fmt.Sprintf("%s;%s%+d", r.Table, r.Field, r.Offset)
}

// RecordFor resolves which record holds the table a rule or setting refers to:
// the enclosing course for "course", the subject itself for its own kind.
func RecordFor(subject *Subject, table string) (string, error) {
	switch {
	case table == subject.Kind:
		return subject.ID, nil
	case table == KindCourse:
		return subject.CourseID, nil
	default:
		return "", NewErrorWithRef(ErrCodeNotApplicable,
			fmt.Sprintf("table %s is not available on a %s subject", table, subject.Kind), table)
	}
}
