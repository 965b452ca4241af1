package store

// Key layout for the coordination core. One canonical key per concern; the
// leadership record and its change notification deliberately live under a
// single well-known key each.
//
//	clients/<client-id>        ClientRecord
//	controllers/<client-id>    controller directory entry
//	messages/<recipient>/<ulid> queued frame payload
//	controller/active          ControllerRecord
//	controller/notify          ChangeNotification
//	ids/<client-id>            minted-id marker

// ClientKey addresses a client record.
func ClientKey(id string) Key {
	return Key{"clients", id}
}

// ClientPrefix covers every client record.
func ClientPrefix() Key {
	return Key{"clients"}
}

// ControllerDirKey addresses a controller directory entry.
func ControllerDirKey(id string) Key {
	return Key{"controllers", id}
}

// ControllerDirPrefix covers the controller directory.
func ControllerDirPrefix() Key {
	return Key{"controllers"}
}

// MessageKey addresses one queued message for a recipient. The ULID component
// sorts lexicographically in creation order, giving FIFO within a recipient.
func MessageKey(recipient, id string) Key {
	return Key{"messages", recipient, id}
}

// MessagePrefix covers a recipient's queue.
func MessagePrefix(recipient string) Key {
	return Key{"messages", recipient}
}

// ActiveControllerKey holds the single ControllerRecord.
func ActiveControllerKey() Key {
	return Key{"controller", "active"}
}

// NotificationKey holds the single ChangeNotification.
func NotificationKey() Key {
	return Key{"controller", "notify"}
}

// MintedIDKey marks a client id handed out by POST /client-id.
func MintedIDKey(id string) Key {
	return Key{"ids", id}
}
