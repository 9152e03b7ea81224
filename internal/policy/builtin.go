package policy

// builtinRules returns the default role permissions:
//   - Doctors create, update and view records.
//   - Nurses update the treatment field and view records.
//   - Admins create, logically delete and view records, read the audit
//     log, and re-encrypt records under a new key.
func builtinRules() []Rule {
	return []Rule{
		{
			Name:    "audit_log_admin_only",
			Match:   RuleMatch{Role: stringOrList{"Doctor", "Nurse"}, Action: stringOrList{"View"}, Field: stringOrList{FieldAuditLog}},
			Effect:  EffectDeny,
			Message: "Only admins may read the audit log",
			Builtin: true,
		},
		{
			Name:    "rekey_admin_only",
			Match:   RuleMatch{Role: stringOrList{"Doctor", "Nurse"}, Action: stringOrList{"Update"}, Field: stringOrList{FieldEncryptionKey}},
			Effect:  EffectDeny,
			Message: "Only admins may re-encrypt records",
			Builtin: true,
		},
		{
			Name:    "doctor_records",
			Match:   RuleMatch{Role: stringOrList{"Doctor"}, Action: stringOrList{"Create", "Update", "View"}},
			Effect:  EffectAllow,
			Message: "Doctors manage patient records",
			Builtin: true,
		},
		{
			Name:    "nurse_treatment",
			Match:   RuleMatch{Role: stringOrList{"Nurse"}, Action: stringOrList{"Update"}, Field: stringOrList{FieldTreatment}},
			Effect:  EffectAllow,
			Message: "Nurses may update treatment notes",
			Builtin: true,
		},
		{
			Name:    "nurse_view",
			Match:   RuleMatch{Role: stringOrList{"Nurse"}, Action: stringOrList{"View"}},
			Effect:  EffectAllow,
			Message: "Nurses may view patient records",
			Builtin: true,
		},
		{
			Name:    "admin_create",
			Match:   RuleMatch{Role: stringOrList{"Admin"}, Action: stringOrList{"Create"}},
			Effect:  EffectAllow,
			Message: "Admins may register patients",
			Builtin: true,
		},
		{
			Name:    "admin_delete",
			Match:   RuleMatch{Role: stringOrList{"Admin"}, Action: stringOrList{"Delete"}},
			Effect:  EffectAllow,
			Message: "Admins may retire patient records",
			Builtin: true,
		},
		{
			Name:    "admin_view",
			Match:   RuleMatch{Role: stringOrList{"Admin"}, Action: stringOrList{"View"}},
			Effect:  EffectAllow,
			Message: "Admins may view records and the audit log",
			Builtin: true,
		},
		{
			Name:    "admin_rekey",
			Match:   RuleMatch{Role: stringOrList{"Admin"}, Action: stringOrList{"Update"}, Field: stringOrList{FieldEncryptionKey}},
			Effect:  EffectAllow,
			Message: "Admins may re-encrypt records under a new key",
			Builtin: true,
		},
	}
}

// defaultBuiltinToggles returns the default on/off state of every built-in.
func defaultBuiltinToggles() map[string]bool {
	toggles := make(map[string]bool)
	for _, r := range builtinRules() {
		toggles[r.Name] = true
	}
	return toggles
}

// Field names used in requests.
const (
	FieldName          = "name"
	FieldDOB           = "dob"
	FieldGender        = "gender"
	FieldAddress       = "address"
	FieldPhone         = "phone"
	FieldDiagnosis     = "diagnosis"
	FieldTreatment     = "treatment"
	FieldEncryptionKey = "encryption_key"
	FieldAuditLog      = "audit_log"
)
