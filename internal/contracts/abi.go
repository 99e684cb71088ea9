// Package contracts holds the ABI definitions of the on-chain collaborators.
package contracts

// EscrowABI is the three-step timelock escrow interface
// (deposit, initiate/complete/cancel withdrawal, spend reporting).
var EscrowABI = []byte(`[
  {"type":"function","name":"deposit","stateMutability":"nonpayable",
   "inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"},
             {"name":"timelockDuration","type":"uint256"},{"name":"releasePercentagePerSpend","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"initiateWithdrawal","stateMutability":"nonpayable",
   "inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"completeWithdrawal","stateMutability":"nonpayable",
   "inputs":[{"name":"token","type":"address"}],
   "outputs":[]},
  {"type":"function","name":"cancelWithdrawal","stateMutability":"nonpayable",
   "inputs":[{"name":"token","type":"address"}],
   "outputs":[]},
  {"type":"function","name":"reportSpend","stateMutability":"nonpayable",
   "inputs":[{"name":"escrowId","type":"bytes32"},{"name":"spentAmount","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"getAvailableBalance","stateMutability":"view",
   "inputs":[{"name":"escrowId","type":"bytes32"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getUserEscrowId","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"},{"name":"token","type":"address"}],
   "outputs":[{"name":"","type":"bytes32"}]},
  {"type":"function","name":"getSpendProofs","stateMutability":"view",
   "inputs":[{"name":"escrowId","type":"bytes32"}],
   "outputs":[{"name":"","type":"tuple[]","components":[
     {"name":"spentAmount","type":"uint256"},
     {"name":"timestamp","type":"uint256"},
     {"name":"verified","type":"bool"},
     {"name":"verifiedBy","type":"address"}]}]},
  {"type":"function","name":"escrows","stateMutability":"view",
   "inputs":[{"name":"","type":"bytes32"}],
   "outputs":[{"name":"user","type":"address"},{"name":"token","type":"address"},
              {"name":"totalDeposited","type":"uint256"},{"name":"releasedAmount","type":"uint256"},
              {"name":"pendingWithdrawal","type":"uint256"},{"name":"withdrawUnlockTime","type":"uint256"},
              {"name":"timelockDuration","type":"uint256"},{"name":"releasePercentagePerSpend","type":"uint256"},
              {"name":"isActive","type":"bool"}]}
]`)

// ERC20ABI covers the subset of ERC-20 used for deposits.
var ERC20ABI = []byte(`[
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint8"}]}
]`)
