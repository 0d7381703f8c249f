package ledger

// Persisted store keys. The names are a compatibility surface shared with
// the remote service and must not change.
const (
	KeyExpenses     = "expenses"
	KeyExtraIncomes = "extra-incomes"
	KeySavingsGoals = "savings-goals"
	KeyCategories   = "categories"
	KeyReminders    = "reminders"

	KeyBudgetAmount = "budget-amount"
	KeyBudgetValid  = "budget-validity-flag"

	KeyTombstones = "tombstone-ledger"

	KeyLastSync  = "last-sync-timestamp"
	KeySessionID = "session-identifier"
	KeyToken     = "credential-token"
	KeyAccount   = "account-identifier"
)

// Local-only keys. They are never uploaded and survive logout.
const (
	// KeyTombstoneOwner names the account the tombstone ledger belongs to.
	KeyTombstoneOwner = "tombstone-ledger-account"

	// heldTombstonesPrefix + account holds the ledger of an account that is
	// not signed in.
	heldTombstonesPrefix = "tombstone-ledger@"
)

func heldTombstonesKey(account string) string {
	return heldTombstonesPrefix + account
}

// Collection names a record collection. Its value is also its store key.
type Collection string

const (
	Expenses     Collection = KeyExpenses
	ExtraIncomes Collection = KeyExtraIncomes
	SavingsGoals Collection = KeySavingsGoals
	Categories   Collection = KeyCategories
	Reminders    Collection = KeyReminders
)

// Collections lists every record collection in a stable order.
var Collections = []Collection{Expenses, ExtraIncomes, SavingsGoals, Categories, Reminders}

// ParseCollection returns the collection named s.
func ParseCollection(s string) (Collection, error) {
	for _, c := range Collections {
		if string(c) == s {
			return c, nil
		}
	}
	return "", &UnknownCollectionError{Name: s}
}

// DataKeys are the keys exchanged with the remote service as data: every
// collection plus the budget scalar.
func DataKeys() []string {
	keys := make([]string, 0, len(Collections)+2)
	for _, c := range Collections {
		keys = append(keys, string(c))
	}
	return append(keys, KeyBudgetAmount, KeyBudgetValid)
}

// MonitoredKeys are the keys whose local changes schedule an upload.
func MonitoredKeys() []string {
	return append(DataKeys(), KeyTombstones)
}

// SessionKeys are removed on logout. The tombstone ledger is not among them.
func SessionKeys() []string {
	return append(DataKeys(), KeyToken, KeyAccount, KeyLastSync, KeySessionID)
}

// IsDataKey reports whether key is exchanged with the remote service as data.
func IsDataKey(key string) bool {
	for _, k := range DataKeys() {
		if k == key {
			return true
		}
	}
	return false
}

// IsMonitored reports whether a change to key should schedule an upload.
func IsMonitored(key string) bool {
	return key == KeyTombstones || IsDataKey(key)
}
