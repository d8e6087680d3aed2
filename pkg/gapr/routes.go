package gapr

// Routes registers the built-in verbs on m: LOGIN for everyone, GET.MODEL
// for restricted users and above, PUT.MODEL for annotators and above.
func Routes(m *Mux, accounts *Accounts, modelDir string) {
	if accounts == nil {
		accounts = &Accounts{byName: map[string]Account{}}
	}
	m.Handle("LOGIN", Login(accounts))
	m.HandleTier("GET.MODEL", TierRestricted, GetModel(modelDir))
	m.HandleTier("PUT.MODEL", TierAnnotator, PutModel(modelDir))
}
