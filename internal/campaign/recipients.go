package campaign

import (
	"wablast/internal/model"
	"wablast/internal/storage"
)

// minPhoneDigits drops fragments that cannot be a phone number.
const minPhoneDigits = 6

// Recipients resolves a campaign's targets into a deduplicated list:
// group members first, then explicit contacts, then raw numbers.
// Blocked contacts are excluded wherever they appear.
func Recipients(store *storage.Store, c model.Campaign) ([]model.Recipient, error) {
	blocked, err := store.BlockedPhones(c.OwnerID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []model.Recipient
	add := func(phone, contactID, name string, vars map[string]string) {
		phone = model.NormalizePhone(phone)
		if len(phone) < minPhoneDigits || seen[phone] || blocked[phone] {
			return
		}
		seen[phone] = true
		merged := map[string]string{"phone": phone, "name": name}
		for k, v := range vars {
			merged[k] = v
		}
		out = append(out, model.Recipient{Phone: phone, ContactID: contactID, Variables: merged})
	}

	members, err := store.ContactsInGroups(c.OwnerID, c.TargetGroups)
	if err != nil {
		return nil, err
	}
	for _, ct := range members {
		add(ct.Phone, ct.ID, ct.Name, ct.Variables)
	}
	explicit, err := store.ContactsByIDs(c.OwnerID, c.TargetContacts)
	if err != nil {
		return nil, err
	}
	for _, ct := range explicit {
		add(ct.Phone, ct.ID, ct.Name, ct.Variables)
	}
	for _, n := range c.TargetNumbers {
		add(n, "", "", nil)
	}
	return out, nil
}
