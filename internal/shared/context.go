package shared

import (
	"context"

	"github.com/google/uuid"
)

type memberContextKey struct{}

// ContextWithMember stores the authenticated member id in context.
func ContextWithMember(ctx context.Context, member uuid.UUID) context.Context {
	return context.WithValue(ctx, memberContextKey{}, member)
}

// MemberFromContext extracts the member id; ok is false when absent.
func MemberFromContext(ctx context.Context) (uuid.UUID, bool) {
	member, ok := ctx.Value(memberContextKey{}).(uuid.UUID)
	return member, ok && member != uuid.Nil
}
