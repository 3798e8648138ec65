// Package secure keeps access key secrets encrypted in memory between the
// moment the cloud returns them and the moment they are written to Vault.
//
// A Secret wraps a memguard enclave. The plaintext only exists inside a
// locked buffer for the duration of Reveal, plus the string Reveal returns.
//
//	secret, err := secure.NewSecret(out.AccessKey.SecretAccessKey)
//	if err != nil {
//	    return err
//	}
//	defer secret.Wipe()
//
//	value, err := secret.Reveal()
//
// Call memguard.Purge (or secure.Purge) on exit to wipe every enclave key.
package secure
