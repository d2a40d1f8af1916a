package domain

// ACL permission bits.
const (
	PermRead   int32 = 1 << 0
	PermWrite  int32 = 1 << 1
	PermCreate int32 = 1 << 2
	PermDelete int32 = 1 << 3
	PermAdmin  int32 = 1 << 4
	PermAll          = PermRead | PermWrite | PermCreate | PermDelete | PermAdmin
)

// ACL grants a set of permissions to an identity.
type ACL struct {
	Perms  int32  `json:"perms"`
	Scheme string `json:"scheme"`
	ID     string `json:"id"`
}

// AuthID is an authenticated identity attached to a session.
type AuthID struct {
	Scheme string `json:"scheme"`
	ID     string `json:"id"`
}

// WorldACL is the open ACL list granting perms to everyone.
func WorldACL(perms int32) []ACL {
	return []ACL{{Perms: perms, Scheme: "world", ID: "anyone"}}
}

// AppendACLList appends the wire encoding of an ACL list: a count
// followed by each entry's perms, scheme and id. The encoding is
// shared between the client protocol and snapshot elements.
func AppendACLList(b []byte, acls []ACL) []byte {
	b = AppendInt32(b, int32(len(acls)))
	for _, a := range acls {
		b = AppendInt32(b, a.Perms)
		b = AppendString(b, a.Scheme)
		b = AppendString(b, a.ID)
	}
	return b
}

// ConsumeACLList decodes an ACL list produced by AppendACLList and
// returns the remaining bytes.
func ConsumeACLList(b []byte) ([]ACL, []byte, error) {
	n, b, err := ConsumeInt32(b)
	if err != nil {
		return nil, nil, err
	}
	if n < 0 {
		return nil, nil, ErrShortBuffer
	}
	acls := make([]ACL, 0, n)
	for i := int32(0); i < n; i++ {
		var a ACL
		if a.Perms, b, err = ConsumeInt32(b); err != nil {
			return nil, nil, err
		}
		if a.Scheme, b, err = ConsumeString(b); err != nil {
			return nil, nil, err
		}
		if a.ID, b, err = ConsumeString(b); err != nil {
			return nil, nil, err
		}
		acls = append(acls, a)
	}
	return acls, b, nil
}

// AppendAuthIDs appends the wire encoding of an auth identity list.
func AppendAuthIDs(b []byte, ids []AuthID) []byte {
	b = AppendInt32(b, int32(len(ids)))
	for _, id := range ids {
		b = AppendString(b, id.Scheme)
		b = AppendString(b, id.ID)
	}
	return b
}

// ConsumeAuthIDs decodes an auth identity list and returns the
// remaining bytes.
func ConsumeAuthIDs(b []byte) ([]AuthID, []byte, error) {
	n, b, err := ConsumeInt32(b)
	if err != nil {
		return nil, nil, err
	}
	if n < 0 {
		return nil, nil, ErrShortBuffer
	}
	ids := make([]AuthID, 0, n)
	for i := int32(0); i < n; i++ {
		var id AuthID
		if id.Scheme, b, err = ConsumeString(b); err != nil {
			return nil, nil, err
		}
		if id.ID, b, err = ConsumeString(b); err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
	}
	return ids, b, nil
}
