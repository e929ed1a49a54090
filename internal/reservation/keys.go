package reservation

const sep0 = byte(0)

type keyspace struct {
	base []byte
}

func newKeyspace(actor string) keyspace {
	b := make([]byte, 0, len(actor)+12)
	b = append(b, "act/"...)
	b = append(b, actor...)
	b = append(b, "/rsv/"...)
	return keyspace{base: b}
}

func (k keyspace) join(seg string, parts ...string) []byte {
	out := append(append([]byte(nil), k.base...), seg...)
	for i, p := range parts {
		if i > 0 {
			out = append(out, sep0)
		}
		out = append(out, p...)
	}
	return out
}

func (k keyspace) token(token string) []byte { return k.join("t/", token) }

func (k keyspace) tokenPrefix() []byte { return k.join("t/") }

func (k keyspace) claim(subject, claimant string) []byte { return k.join("c/", subject, claimant) }

func (k keyspace) subjectPrefix(subject string) []byte {
	return append(k.join("c/", subject), sep0)
}

func (k keyspace) lock(lock string) []byte { return k.join("l/", lock) }

// SubjectLock is the lock key for one holder per subject.
func SubjectLock(subject string) string { return subject }

// ClaimantLock is the lock key for one holder per (subject, claimant).
func ClaimantLock(subject, claimant string) string {
	return subject + string(rune(sep0)) + claimant
}
